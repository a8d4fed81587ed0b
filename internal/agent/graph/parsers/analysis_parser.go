package parsers

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/companion-core/server/internal/agent/model"
	errx "github.com/companion-core/server/internal/core/error"
	logx "github.com/companion-core/server/pkg/logger"
)

const (
	recDelim = "##"
	tupDelim = "<||>"
	endDelim = "<|COMPLETE|>"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 128 * 1024 // 128KB
	maxRecords    = 500        // maximum number of records to process
	maxTupleLen   = 8 * 1024   // 8KB per tuple
	maxMetaLen    = 4 * 1024   // 4KB metadata JSON
	maxErrSnippet = 200        // limit error snippet size
)

type rawTuple struct {
	Type  string
	Parts []string
}

func parseRawTuple(s string) (*rawTuple, error) {
	if s == "" {
		return nil, fmt.Errorf("empty tuple")
	}
	// enforce a sane upper bound per record
	if len(s) > maxTupleLen {
		return nil, fmt.Errorf("tuple too large")
	}

	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, fmt.Errorf("invalid tuple parens")
	}
	// remove the outermost parens only
	inner := s[1 : len(s)-1]
	// limit splitting to at most 5 segments so metadata can contain delimiters
	parts := strings.SplitN(inner, tupDelim, 5)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid tuple parts")
	}
	return &rawTuple{Type: strings.TrimSpace(parts[0]), Parts: parts}, nil
}

func mustValidUTF8(s string, name string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s invalid utf8", name)
	}
	return nil
}

func parseFloat(s string, name string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse: %w", name, err)
	}
	return v, nil
}

func parseFloatInRange(s, name string, min, max float64) (float64, error) {
	v, err := parseFloat(s, name)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s invalid number", name)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s out of range", name)
	}
	return v, nil
}

func parseMeta(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}, nil
	}
	if len(s) > maxMetaLen {
		return nil, fmt.Errorf("metadata too large")
	}
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("metadata not json object")
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseAnalysis parses the analyst model's delimited-tuple output into a
// structured Analysis. Record types:
//
//	(emotion<||>label<||>confidence[<||>metadata])
//	(stressor<||>category<||>confidence<||>priority[<||>metadata])
//	(approach<||>name<||>confidence[<||>metadata])
//	(language<||>code<||>confidence<||>is_primary[<||>metadata])
//	(insight<||>text<||>confidence)
//	(crisis<||>level<||>confidence[<||>metadata])
//
// Records are separated by "##" and the stream ends with "<|COMPLETE|>".
// Malformed records are skipped and recorded in ParsingMetadata.
func ParseAnalysis(content string) (resp *model.Analysis, err error) {
	// panic safety
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "analysis_parser").Msgf("panic recovered: %v", r)
			err = errx.New(fmt.Errorf("analysis parser panic"), http.StatusInternalServerError, errx.SystemErrorMessage)
			resp = nil
		}
	}()

	// content length guard
	truncated := false
	if len(content) > maxContentLen {
		logx.Warn().
			Str("component", "analysis_parser").
			Int("max_len", maxContentLen).
			Int("orig_len", len(content)).
			Msg("content truncated due to size limit")
		content = content[:maxContentLen]
		truncated = true
	}
	// honor completion delimiter if present
	if idx := strings.Index(content, endDelim); idx >= 0 {
		content = content[:idx]
	}

	resp = &model.Analysis{
		Emotions:        []model.Emotion{},
		Stressors:       []model.Stressor{},
		Approaches:      []model.Approach{},
		Languages:       []model.Language{},
		Insights:        []model.Insight{},
		Crisis:          model.Crisis{Level: model.CrisisNone},
		Metadata:        map[string]any{"parser": "lite"},
		ParsingMetadata: map[string]any{},
		Timestamp:       time.Now().UTC(),
	}

	addErr := func(msg string) {
		if resp.ParsingMetadata == nil {
			resp.ParsingMetadata = make(map[string]any)
		}
		v, _ := resp.ParsingMetadata["parsing_errors"].([]string)
		v = append(v, msg)
		resp.ParsingMetadata["parsing_errors"] = v
	}

	if truncated {
		resp.ParsingMetadata["truncated"] = true
	}

	records := strings.Split(content, recDelim)
	processed := 0
	for _, rec := range records {
		if processed >= maxRecords {
			resp.ParsingMetadata["records_capped"] = true
			logx.Warn().
				Str("component", "analysis_parser").
				Int("max_records", maxRecords).
				Msg("record processing capped")
			break
		}
		rec = strings.TrimSpace(rec)
		if rec == "" || rec == endDelim {
			continue
		}
		processed++

		rt, rerr := parseRawTuple(rec)
		if rerr != nil {
			addErr(fmt.Sprintf("bad_record: %s", safeSnippet(rec)))
			continue
		}

		switch rt.Type {
		case "emotion":
			if len(rt.Parts) < 3 {
				addErr("emotion: insufficient parts")
				continue
			}
			label := strings.TrimSpace(rt.Parts[1])
			if err := mustValidUTF8(label, "emotion.label"); err != nil || label == "" {
				addErr("emotion: invalid label utf8")
				continue
			}
			conf, err := parseFloatInRange(rt.Parts[2], "emotion.confidence", 0, 1)
			if err != nil {
				addErr("emotion: invalid confidence")
				continue
			}
			meta := map[string]any{}
			if len(rt.Parts) >= 4 {
				if m, err := parseMeta(rt.Parts[3]); err == nil {
					meta = m
				} else {
					addErr("emotion: invalid metadata json")
				}
			}
			resp.Emotions = append(resp.Emotions, model.Emotion{Label: label, Confidence: conf, Metadata: meta})

		case "stressor":
			if len(rt.Parts) < 4 {
				addErr("stressor: insufficient parts")
				continue
			}
			category := strings.ToLower(strings.TrimSpace(rt.Parts[1]))
			if err := mustValidUTF8(category, "stressor.category"); err != nil || category == "" {
				addErr("stressor: invalid category utf8")
				continue
			}
			conf, err := parseFloatInRange(rt.Parts[2], "stressor.confidence", 0, 1)
			if err != nil {
				addErr("stressor: invalid confidence")
				continue
			}
			prio, err := parseFloatInRange(rt.Parts[3], "stressor.priority", 0, 1)
			if err != nil {
				addErr("stressor: invalid priority")
				continue
			}
			meta := map[string]any{}
			if len(rt.Parts) >= 5 {
				if m, err := parseMeta(rt.Parts[4]); err == nil {
					meta = m
				} else {
					addErr("stressor: invalid metadata json")
				}
			}
			resp.Stressors = append(resp.Stressors, model.Stressor{Category: category, Confidence: conf, Priority: prio, Metadata: meta})

		case "approach":
			if len(rt.Parts) < 3 {
				addErr("approach: insufficient parts")
				continue
			}
			name := strings.TrimSpace(rt.Parts[1])
			if err := mustValidUTF8(name, "approach.name"); err != nil || name == "" {
				addErr("approach: invalid name utf8")
				continue
			}
			conf, err := parseFloatInRange(rt.Parts[2], "approach.confidence", 0, 1)
			if err != nil {
				addErr("approach: invalid confidence")
				continue
			}
			meta := map[string]any{}
			if len(rt.Parts) >= 4 {
				if m, err := parseMeta(rt.Parts[3]); err == nil {
					meta = m
				} else {
					addErr("approach: invalid metadata json")
				}
			}
			resp.Approaches = append(resp.Approaches, model.Approach{Name: name, Confidence: conf, Metadata: meta})

		case "language":
			if len(rt.Parts) < 4 {
				addErr("language: insufficient parts")
				continue
			}
			code := strings.ToLower(strings.TrimSpace(rt.Parts[1]))
			if !isISO639_3(code) || mustValidUTF8(code, "lang.code") != nil {
				addErr("language: invalid code")
				continue
			}
			conf, err := parseFloatInRange(rt.Parts[2], "lang.confidence", 0, 1)
			if err != nil {
				addErr("language: invalid confidence")
				continue
			}
			isPrimary := strings.TrimSpace(rt.Parts[3]) == "1"
			meta := map[string]any{}
			if len(rt.Parts) >= 5 {
				if m, err := parseMeta(rt.Parts[4]); err == nil {
					meta = m
				} else {
					addErr("language: invalid metadata json")
				}
			}
			resp.Languages = append(resp.Languages, model.Language{Code: code, Confidence: conf, IsPrimary: isPrimary, Metadata: meta})

		case "insight":
			if len(rt.Parts) < 3 {
				addErr("insight: insufficient parts")
				continue
			}
			text := strings.TrimSpace(rt.Parts[1])
			if err := mustValidUTF8(text, "insight.text"); err != nil || text == "" {
				addErr("insight: invalid text utf8")
				continue
			}
			conf, err := parseFloatInRange(rt.Parts[2], "insight.confidence", 0, 1)
			if err != nil {
				addErr("insight: invalid confidence")
				continue
			}
			resp.Insights = append(resp.Insights, model.Insight{Text: text, Confidence: conf})

		case "crisis":
			if len(rt.Parts) < 3 {
				addErr("crisis: insufficient parts")
				continue
			}
			level := strings.ToLower(strings.TrimSpace(rt.Parts[1]))
			if !isCrisisLevel(level) {
				addErr("crisis: invalid level")
				continue
			}
			conf, err := parseFloatInRange(rt.Parts[2], "crisis.confidence", 0, 1)
			if err != nil {
				addErr("crisis: invalid confidence")
				continue
			}
			meta := map[string]any{}
			if len(rt.Parts) >= 4 {
				if m, err := parseMeta(rt.Parts[3]); err == nil {
					meta = m
				} else {
					addErr("crisis: invalid metadata json")
				}
			}
			// keep the most severe assessment when the model emits several
			if crisisRank(level) >= crisisRank(resp.Crisis.Level) {
				resp.Crisis = model.Crisis{Level: level, Confidence: conf, Metadata: meta}
			}
		default:
			// ignore unknown type but record a hint
			addErr("unknown tuple type")
		}
	}

	deriveAnalysisFields(resp)
	return resp, nil
}

// deriveAnalysisFields fills the summary fields computed from the raw records.
func deriveAnalysisFields(resp *model.Analysis) {
	// PrimaryStressor: highest confidence
	bestConf := -1.0
	for _, st := range resp.Stressors {
		if st.Confidence > bestConf {
			bestConf = st.Confidence
			resp.PrimaryStressor = st.Category
		}
	}
	// PrimaryLanguage: first primary or highest confidence
	for _, l := range resp.Languages {
		if l.IsPrimary {
			resp.PrimaryLanguage = l.Code
			break
		}
	}
	if resp.PrimaryLanguage == "" {
		best := -1.0
		for _, l := range resp.Languages {
			if l.Confidence > best {
				best = l.Confidence
				resp.PrimaryLanguage = l.Code
			}
		}
	}
	// RecommendedApproach: highest confidence
	best := -1.0
	for _, a := range resp.Approaches {
		if a.Confidence > best {
			best = a.Confidence
			resp.RecommendedApproach = a.Name
		}
	}
	// ImportanceScore: 0.6*confidence + 0.4*priority (primary stressor)
	if len(resp.Stressors) > 0 {
		conf := 0.0
		prio := 0.0
		for _, st := range resp.Stressors {
			if st.Category == resp.PrimaryStressor {
				conf = st.Confidence
				prio = st.Priority
				break
			}
		}
		resp.ImportanceScore = conf*0.6 + prio*0.4
	}
	// InterventionPriority follows crisis level first, stressor weight second.
	switch {
	case resp.Crisis.Level == model.CrisisImmediate:
		resp.InterventionPriority = "high"
	case resp.Crisis.Level == model.CrisisSupportive || resp.ImportanceScore >= 0.7:
		resp.InterventionPriority = "medium"
	default:
		resp.InterventionPriority = "low"
	}
}

// --- helpers ---

func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrSnippet {
		return s
	}
	return s[:maxErrSnippet]
}

func isISO639_3(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		c := code[i]
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

func isCrisisLevel(level string) bool {
	switch level {
	case model.CrisisImmediate, model.CrisisSupportive, model.CrisisLongTerm, model.CrisisNone:
		return true
	}
	return false
}

func crisisRank(level string) int {
	switch level {
	case model.CrisisImmediate:
		return 3
	case model.CrisisSupportive:
		return 2
	case model.CrisisLongTerm:
		return 1
	default:
		return 0
	}
}
