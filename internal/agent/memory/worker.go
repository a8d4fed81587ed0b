package memory

import (
	"context"
	"sync"
	"time"

	"github.com/companion-core/server/internal/agent/model"
	"github.com/companion-core/server/internal/metrics"
	logx "github.com/companion-core/server/pkg/logger"
)

// WorkerConfig controls the trigger cadence and extraction window.
type WorkerConfig struct {
	// TriggerEvery fires an extraction run when the session's durable
	// message count hits a multiple of this value.
	TriggerEvery int
	// Window is the maximum number of unprocessed messages claimed per run.
	Window int
	// RunTimeout bounds one detached extraction run.
	RunTimeout time.Duration
}

func (c *WorkerConfig) normalize() {
	if c.TriggerEvery <= 0 {
		c.TriggerEvery = 20
	}
	if c.Window <= 0 {
		c.Window = 15
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 90 * time.Second
	}
}

// Worker watches the durable message trail and folds windows of it into
// long-term memories off the request path. The Postgres count is the single
// source of truth for triggering; the claim itself is what guarantees
// at-most-once processing, so a stray trigger is harmless.
type Worker struct {
	messages  model.MessageStore
	memories  model.MemoryStore
	extractor *Extractor
	cfg       WorkerConfig

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func NewWorker(messages model.MessageStore, memories model.MemoryStore, extractor *Extractor, cfg WorkerConfig) *Worker {
	cfg.normalize()
	return &Worker{
		messages:  messages,
		memories:  memories,
		extractor: extractor,
		cfg:       cfg,
		inflight:  make(map[string]bool),
	}
}

// NoteMessage is called after each persisted chat turn. When the session's
// message count crosses the trigger boundary it kicks off a detached
// extraction run; the caller is never blocked on model calls.
func (w *Worker) NoteMessage(ctx context.Context, sessionID, userID string) {
	count, err := w.messages.CountMessages(ctx, sessionID)
	if err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("failed to count messages for trigger check")
		return
	}
	if count == 0 || count%w.cfg.TriggerEvery != 0 {
		return
	}

	w.mu.Lock()
	if w.inflight[sessionID] {
		w.mu.Unlock()
		logx.Debug().Str("session_id", sessionID).Msg("extraction already in flight, skipping trigger")
		return
	}
	w.inflight[sessionID] = true
	w.mu.Unlock()

	logx.Info().
		Str("session_id", sessionID).
		Int("message_count", count).
		Msg("memory extraction triggered")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, sessionID)
			w.mu.Unlock()
		}()

		// Detach from the request context; the run outlives the HTTP turn.
		runCtx, cancel := context.WithTimeout(context.Background(), w.cfg.RunTimeout)
		defer cancel()

		if err := w.RunExtraction(runCtx, sessionID, userID); err != nil {
			logx.Error().Err(err).Str("session_id", sessionID).Msg("memory extraction run failed")
		}
	}()
}

// RunExtraction claims a window of unprocessed messages, extracts memories
// from it, persists them, and marks the window processed. On any failure
// after the claim, the claim is released so the window stays eligible.
func (w *Worker) RunExtraction(ctx context.Context, sessionID, userID string) error {
	metrics.ExtractionRuns.Inc()
	started := time.Now()
	defer func() {
		metrics.ExtractionDuration.Observe(time.Since(started).Seconds())
	}()

	window, err := w.messages.ClaimUnprocessed(ctx, sessionID, w.cfg.Window)
	if err != nil {
		metrics.ExtractionFailures.Inc()
		return err
	}
	if len(window) == 0 {
		logx.Debug().Str("session_id", sessionID).Msg("no unprocessed messages to extract")
		return nil
	}

	ids := make([]string, len(window))
	for i, msg := range window {
		ids[i] = msg.ID
	}

	extraction, err := w.extractor.Extract(ctx, window)
	if err != nil {
		metrics.ExtractionFailures.Inc()
		w.release(ids, sessionID)
		return err
	}

	var items []model.MemoryItem
	for _, mt := range model.MemoryTypes {
		items = append(items, extraction.Items[mt]...)
	}

	saved := 0
	if len(items) > 0 {
		// All categories go through one insert call: the store runs it in a
		// single transaction, so a failed run commits no memory rows and the
		// released window cannot produce duplicates on retry.
		n, err := w.memories.InsertMemories(ctx, sessionID, userID, items)
		if err != nil {
			metrics.ExtractionFailures.Inc()
			w.release(ids, sessionID)
			return err
		}
		saved = n
		for _, mt := range model.MemoryTypes {
			if c := len(extraction.Items[mt]); c > 0 {
				metrics.MemoriesSaved.WithLabelValues(string(mt)).Add(float64(c))
			}
		}
	}

	// Mark only after every insert committed, so a crash in between leaves
	// the window eligible rather than silently dropped.
	if err := w.messages.MarkProcessed(ctx, ids); err != nil {
		metrics.ExtractionFailures.Inc()
		w.release(ids, sessionID)
		return err
	}

	logx.Info().
		Str("session_id", sessionID).
		Int("window_size", len(window)).
		Int("memories_saved", saved).
		Dur("elapsed", time.Since(started)).
		Msg("memory extraction run completed")
	return nil
}

func (w *Worker) release(ids []string, sessionID string) {
	// Use a fresh context: the run context may already be cancelled and the
	// release must still go through.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.messages.ReleaseClaim(ctx, ids); err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("failed to release extraction claim")
	}
}

// Wait blocks until in-flight extraction runs finish. Used on shutdown.
func (w *Worker) Wait() {
	w.wg.Wait()
}
