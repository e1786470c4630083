package consulta

import (
	"log/slog"
	"sort"
	"strings"
)

// Compression strategy names.
const (
	// StrategyRecency keeps initial framing, recent exchanges, and the most
	// query-relevant middle messages (token-overlap score). Default.
	StrategyRecency = "recency"
	// StrategyClinicalKeywords ranks middle messages by clinical keyword
	// hits instead of query overlap.
	StrategyClinicalKeywords = "clinical-keywords"
)

// Context window defaults.
const (
	defaultMaxExchanges  = 6
	defaultTriggerTokens = 50_000
	defaultTargetTokens  = 30_000
	defaultKeepInitial   = 4
)

// EstimateTokens approximates the token count of text as ceil(len/4).
// Used everywhere a real tokenizer would be too expensive.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateHistoryTokens sums EstimateTokens over a message slice.
func EstimateHistoryTokens(history []Message) int {
	total := 0
	for _, m := range history {
		total += EstimateTokens(m.Content)
	}
	return total
}

// ContextWindowManager produces a bounded history for the next generation,
// preserving initial framing and the most recent exchanges. Immutable after
// construction; safe for concurrent use.
type ContextWindowManager struct {
	maxExchanges  int
	triggerTokens int
	targetTokens  int
	keepInitial   int
	strategy      string
	logger        *slog.Logger
}

// WindowOption configures a ContextWindowManager.
type WindowOption func(*ContextWindowManager)

// MaxExchanges sets how many recent user→model exchanges survive compression
// (default 6; one exchange is two messages).
func MaxExchanges(n int) WindowOption {
	return func(m *ContextWindowManager) { m.maxExchanges = n }
}

// TriggerTokens sets the estimate above which compression kicks in (default 50k).
func TriggerTokens(n int) WindowOption {
	return func(m *ContextWindowManager) { m.triggerTokens = n }
}

// TargetTokens sets the compression target (default 30k).
func TargetTokens(n int) WindowOption {
	return func(m *ContextWindowManager) { m.targetTokens = n }
}

// WindowStrategy selects the middle-message ranking strategy.
func WindowStrategy(s string) WindowOption {
	return func(m *ContextWindowManager) { m.strategy = s }
}

// WindowLogger sets the structured logger for compression events.
func WindowLogger(l *slog.Logger) WindowOption {
	return func(m *ContextWindowManager) { m.logger = l }
}

// NewContextWindowManager creates a manager with the given options.
func NewContextWindowManager(opts ...WindowOption) *ContextWindowManager {
	m := &ContextWindowManager{
		maxExchanges:  defaultMaxExchanges,
		triggerTokens: defaultTriggerTokens,
		targetTokens:  defaultTargetTokens,
		keepInitial:   defaultKeepInitial,
		strategy:      StrategyRecency,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m
}

// Tighter returns a copy with the target budget halved, for the single
// recompression retry after the model rejects a request as too large.
func (m *ContextWindowManager) Tighter() *ContextWindowManager {
	c := *m
	c.targetTokens = m.targetTokens / 2
	c.triggerTokens = 0 // always compress
	return &c
}

// TargetBudget returns the configured target token budget.
func (m *ContextWindowManager) TargetBudget() int { return m.targetTokens }

// Compress returns a bounded view of history suitable for the next
// generation against query (the current user message). Ordering is
// preserved, no message is duplicated, and whenever history is non-empty
// the result contains the last message plus at least one initial and one
// recent message. The last user message is passed through verbatim.
func (m *ContextWindowManager) Compress(history []Message, query string) []Message {
	if len(history) == 0 {
		return history
	}
	estimate := EstimateHistoryTokens(history)
	if estimate <= m.triggerTokens {
		return history
	}

	keepHead := m.keepInitial
	keepTail := 2 * m.maxExchanges
	if keepHead+keepTail >= len(history) {
		return history
	}

	keep := make([]bool, len(history))
	budget := m.targetTokens
	for i := 0; i < keepHead; i++ {
		keep[i] = true
		budget -= EstimateTokens(history[i].Content)
	}
	for i := len(history) - keepTail; i < len(history); i++ {
		keep[i] = true
		budget -= EstimateTokens(history[i].Content)
	}

	// Rank the middle by relevance and fill the remaining budget.
	type scored struct {
		idx   int
		score float64
	}
	var middle []scored
	for i := keepHead; i < len(history)-keepTail; i++ {
		var score float64
		switch m.strategy {
		case StrategyClinicalKeywords:
			score = clinicalKeywordScore(history[i].Content)
		default:
			score = overlapScore(history[i].Content, query)
		}
		if score > 0 {
			middle = append(middle, scored{idx: i, score: score})
		}
	}
	sort.SliceStable(middle, func(a, b int) bool { return middle[a].score > middle[b].score })

	for _, s := range middle {
		cost := EstimateTokens(history[s.idx].Content)
		if cost > budget {
			continue
		}
		keep[s.idx] = true
		budget -= cost
	}

	out := make([]Message, 0, keepHead+keepTail+len(middle))
	for i, k := range keep {
		if k {
			out = append(out, history[i])
		}
	}
	m.logger.Debug("history compressed",
		"strategy", m.strategy,
		"in_messages", len(history),
		"out_messages", len(out),
		"in_tokens", estimate,
		"out_tokens", EstimateHistoryTokens(out))
	return out
}

// overlapScore is the cosine-free fallback: fraction of query tokens that
// also appear in content.
func overlapScore(content, query string) float64 {
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return 0
	}
	cTokens := make(map[string]bool)
	for _, t := range tokenize(content) {
		cTokens[t] = true
	}
	hits := 0
	for _, t := range qTokens {
		if cTokens[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(qTokens))
}

// clinicalKeywordScore counts clinical dictionary hits in content.
func clinicalKeywordScore(content string) float64 {
	lower := strings.ToLower(content)
	var hits int
	for _, kw := range clinicalKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return float64(hits)
}

// tokenize lowercases and splits on non-letter/digit runes, dropping tokens
// shorter than 3 runes (articles, connectors).
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func isWordRune(r rune) bool {
	return r == 'ñ' || r == 'á' || r == 'é' || r == 'í' || r == 'ó' || r == 'ú' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
