package consulta

import (
	"log/slog"
	"sync"
)

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	// ChunkTextDelta carries an incremental text token from the model.
	ChunkTextDelta ChunkType = "token"
	// ChunkFunctionCall carries a structured call emitted mid-stream.
	ChunkFunctionCall ChunkType = "function-call"
	// ChunkGroundingRef carries one grounding URL.
	ChunkGroundingRef ChunkType = "grounding"
	// ChunkBullet carries a reasoning bullet (core-injected, not provider).
	ChunkBullet ChunkType = "bullet"
	// ChunkRouting carries the routing decision; emitted before the first token.
	ChunkRouting ChunkType = "routing"
	// ChunkUsage carries interim usage totals.
	ChunkUsage ChunkType = "usage"
	// ChunkError carries a stream-level failure.
	ChunkError ChunkType = "error"
	// ChunkEnd terminates the stream and carries final usage totals.
	ChunkEnd ChunkType = "end"
)

// Chunk is a typed streaming event. Model clients emit the
// token/function-call/grounding/usage/error/end subset; the conversation
// core injects routing and bullet chunks on top.
type Chunk struct {
	Type    ChunkType        `json:"type"`
	Text    string           `json:"text,omitempty"` // token delta or bullet text
	Call    *FunctionCall    `json:"call,omitempty"`
	URL     string           `json:"url,omitempty"`
	Usage   *Usage           `json:"usage,omitempty"`
	Routing *RoutingDecision `json:"routing,omitempty"`
	Err     string           `json:"error,omitempty"`
}

// BulletSink delivers reasoning bullets to a consumer without ever blocking
// the producer. When the consumer lags, the oldest buffered bullet is
// dropped and a warning is logged. Safe for concurrent use.
type BulletSink struct {
	mu     sync.Mutex
	ch     chan string
	closed bool
	logger *slog.Logger
}

// NewBulletSink creates a sink with the given buffer capacity (minimum 1).
func NewBulletSink(capacity int, opts ...SinkOption) *BulletSink {
	if capacity < 1 {
		capacity = 1
	}
	s := &BulletSink{ch: make(chan string, capacity)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// SinkOption configures a BulletSink.
type SinkOption func(*BulletSink)

// SinkLogger sets the structured logger for drop warnings.
func SinkLogger(l *slog.Logger) SinkOption {
	return func(s *BulletSink) { s.logger = l }
}

// Push enqueues a bullet, dropping the oldest buffered one if full.
func (s *BulletSink) Push(bullet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- bullet:
			return
		default:
		}
		select {
		case old := <-s.ch:
			s.logger.Warn("bullet sink full, dropping oldest", "dropped", old)
		default:
		}
	}
}

// Events returns the receive side of the sink.
func (s *BulletSink) Events() <-chan string { return s.ch }

// Close closes the sink. Pushes after Close are no-ops.
func (s *BulletSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
