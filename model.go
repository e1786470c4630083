package consulta

import "context"

// ModelClient abstracts the LLM backend. Implementations must propagate
// cancellation from ctx to the underlying network call; partial output
// produced before cancellation is returned with Incomplete set rather
// than discarded.
type ModelClient interface {
	// Generate sends a one-shot request (routing, entity extraction,
	// confirmations) and returns the complete response.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	// StreamGenerate streams chunks into ch, then returns the final
	// accumulated response with usage stats. ch is closed before returning.
	StreamGenerate(ctx context.Context, req GenerateRequest, ch chan<- Chunk) (GenerateResponse, error)
	// Name returns the provider name (e.g. "gemini").
	Name() string
}
