package nodes

// Graph node identifiers.
const (
	NodeInputConverter    = "input_converter"
	NodeAnalystChatModel  = "analyst_chat_model"
	NodeParser            = "analysis_parser"
	NodeResponseAssembler = "response_assembler"
	NodeHumanHandoff      = "human_handoff"
	NodeResponseChatModel = "response_chat_model"
	NodeToolExecutor      = "tool_executor"
)
