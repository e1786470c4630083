package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for conversation observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrSessionID   = attribute.Key("session.id")
	AttrAgentName   = attribute.Key("agent.name")
	AttrRouteReason = attribute.Key("routing.reason")
	AttrRiskLevel   = attribute.Key("risk.level")
)
