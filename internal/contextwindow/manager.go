package contextwindow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

const (
	// defaultExcessThreshold is how far past the budget the window may
	// drift before truncation fires. Cutting on every marginal overflow
	// would churn; the buffer stays under maxTokens*(1+threshold) after
	// every append.
	defaultExcessThreshold = 0.25

	// defaultReclaimRatio is the share of the budget freed on truncation.
	// Removing more than strictly necessary avoids re-truncating on every
	// subsequent message.
	defaultReclaimRatio = 0.30

	// maxSummaries caps the FIFO of truncation summaries carried in context.
	maxSummaries = 6
)

// Summarizer condenses a removed message prefix into a short summary.
// Implementations typically call a model; failures must be tolerated.
type Summarizer interface {
	Summarize(ctx context.Context, messages []providers.Message) (string, error)
}

// Stats tracks token movement through the window by category.
type Stats struct {
	TotalAdded    int
	TotalRemoved  int
	Truncations   int
	SummaryCount  int
	CurrentTokens int
	CurrentCount  int
	MinTokensKept int
}

// Manager holds an agent's conversation inside a token budget. Messages
// are appended and truncated from the oldest end; assistant tool calls
// and their tool results are always removed together.
type Manager struct {
	mu         sync.Mutex
	maxTokens  int
	minKeep    int
	counter    TokenCounter
	summarizer Summarizer
	log        *slog.Logger

	messages  []providers.Message
	summaries []string
	stats     Stats
}

// Option configures a Manager.
type Option func(*Manager)

// WithSummarizer attaches a summarizer invoked on truncated prefixes.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// WithMinTokensToKeep floors the post-truncation window size.
func WithMinTokensToKeep(n int) Option {
	return func(m *Manager) { m.minKeep = n }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager builds a window with the given token budget.
func NewManager(maxTokens int, opts ...Option) *Manager {
	m := &Manager{
		maxTokens: maxTokens,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.minKeep <= 0 || m.minKeep > maxTokens {
		m.minKeep = maxTokens / 4
	}
	m.stats.MinTokensKept = m.minKeep
	return m
}

// AddMessage appends one message and truncates if the budget is
// exceeded. Returns true iff any messages were removed.
func (m *Manager) AddMessage(ctx context.Context, msg providers.Message) bool {
	return m.AddMessages(ctx, []providers.Message{msg})
}

// AddMessages appends a batch and truncates once at the end. Batching
// matters for tool turns: the assistant tool_call message and its tool
// results land together, so truncation never sees a half-written pair.
// Returns true iff any messages were removed.
func (m *Manager) AddMessages(ctx context.Context, msgs []providers.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	m.mu.Lock()
	m.messages = append(m.messages, msgs...)
	m.stats.TotalAdded += m.counter.CountMessages(msgs)
	removed := m.truncateLocked()
	m.refreshStatsLocked()
	m.mu.Unlock()

	if len(removed) > 0 {
		m.summarizeRemoved(ctx, removed)
	}
	return len(removed) > 0
}

// truncateLocked removes the oldest messages until the window fits
// within maxTokens*(1-reclaim). Returns the removed prefix. Caller
// holds m.mu.
func (m *Manager) truncateLocked() []providers.Message {
	total := m.counter.CountMessages(m.messages)
	if total <= int(float64(m.maxTokens)*(1+defaultExcessThreshold)) {
		return nil
	}

	target := int(float64(m.maxTokens) * (1 - defaultReclaimRatio))
	if target < m.minKeep {
		target = m.minKeep
	}

	cut := 0
	for cut < len(m.messages) && total > target {
		msg := m.messages[cut]
		total -= m.counter.CountMessage(msg)
		cut++

		// An assistant message with tool calls must carry its tool
		// results along; a dangling tool_result is a protocol error at
		// the provider.
		if hasToolCalls(msg) {
			for cut < len(m.messages) && isToolResult(m.messages[cut]) {
				total -= m.counter.CountMessage(m.messages[cut])
				cut++
			}
		}
	}

	// Never empty the window entirely; keep at least the newest message.
	if cut >= len(m.messages) {
		cut = len(m.messages) - 1
		if cut < 0 {
			cut = 0
		}
	}
	if cut == 0 {
		return nil
	}

	removed := make([]providers.Message, cut)
	copy(removed, m.messages[:cut])
	m.messages = append(m.messages[:0], m.messages[cut:]...)
	m.stats.TotalRemoved += m.counter.CountMessages(removed)
	m.stats.Truncations++

	m.log.Debug("context window truncated",
		"removed", len(removed),
		"remaining", len(m.messages),
		"tokens", m.counter.CountMessages(m.messages))
	return removed
}

// summarizeRemoved condenses a truncated prefix. Summarization failures
// are logged and swallowed; losing a summary is better than losing a run.
func (m *Manager) summarizeRemoved(ctx context.Context, removed []providers.Message) {
	if m.summarizer == nil {
		return
	}
	summary, err := m.summarizer.Summarize(ctx, removed)
	if err != nil {
		m.log.Warn("context summarization failed", "error", err, "messages", len(removed))
		return
	}
	if summary == "" {
		return
	}
	m.mu.Lock()
	m.summaries = append(m.summaries, summary)
	if len(m.summaries) > maxSummaries {
		m.summaries = append(m.summaries[:0], m.summaries[len(m.summaries)-maxSummaries:]...)
	}
	m.stats.SummaryCount = len(m.summaries)
	m.mu.Unlock()
}

// AddSummary appends a summary directly, evicting the oldest past the cap.
func (m *Manager) AddSummary(summary string) {
	if summary == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, summary)
	if len(m.summaries) > maxSummaries {
		m.summaries = append(m.summaries[:0], m.summaries[len(m.summaries)-maxSummaries:]...)
	}
	m.stats.SummaryCount = len(m.summaries)
}

// GetMessages returns a copy of the current window.
func (m *Manager) GetMessages() []providers.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]providers.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// GetSummaries returns a copy of the summary FIFO, oldest first.
func (m *Manager) GetSummaries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.summaries))
	copy(out, m.summaries)
	return out
}

// ClearMessages drops all messages and summaries.
func (m *Manager) ClearMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.summaries = nil
	m.refreshStatsLocked()
	m.stats.SummaryCount = 0
}

// TokenCount returns the current estimated window size.
func (m *Manager) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter.CountMessages(m.messages)
}

// MessageCount returns the number of messages in the window.
func (m *Manager) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Stats returns a snapshot of window statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) refreshStatsLocked() {
	m.stats.CurrentTokens = m.counter.CountMessages(m.messages)
	m.stats.CurrentCount = len(m.messages)
	m.stats.SummaryCount = len(m.summaries)
}

// BuildContextForNextAgent renders the most recent maxMessages messages
// as text for a handoff, excluding the trailing transfer tool call and
// its result. maxMessages of 0 yields an empty string: the receiving
// agent gets only the transfer message.
func (m *Manager) BuildContextForNextAgent(maxMessages int) string {
	if maxMessages <= 0 {
		return ""
	}
	m.mu.Lock()
	msgs := make([]providers.Message, len(m.messages))
	copy(msgs, m.messages)
	m.mu.Unlock()

	msgs = stripTrailingTransfer(msgs)

	if len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}

	// Drop leading orphaned tool results left by the tail cut.
	start := 0
	for start < len(msgs) && isToolResult(msgs[start]) {
		start++
	}
	msgs = msgs[start:]

	var b strings.Builder
	for _, msg := range msgs {
		text := messageText(msg)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, text)
	}
	return b.String()
}

func messageText(msg providers.Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	var parts []string
	for _, blk := range msg.Blocks {
		if blk.Type == "text" && blk.Text != "" {
			parts = append(parts, blk.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// isToolResult reports whether msg carries only tool results, in either
// dialect shape: a role "tool" message, or a user message whose blocks
// are all tool_result.
func isToolResult(msg providers.Message) bool {
	if msg.Role == "tool" {
		return true
	}
	if msg.Role != "user" || len(msg.Blocks) == 0 {
		return false
	}
	for _, b := range msg.Blocks {
		if b.Type != "tool_result" {
			return false
		}
	}
	return true
}

// hasToolCalls reports whether an assistant message issues tool calls,
// on the ToolCalls field or as tool_use blocks.
func hasToolCalls(msg providers.Message) bool {
	if msg.Role != "assistant" {
		return false
	}
	if len(msg.ToolCalls) > 0 {
		return true
	}
	for _, b := range msg.Blocks {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}

// stripTrailingTransfer removes a trailing transfer_to_agent tool call
// and its tool result, whichever order they sit in at the tail.
func stripTrailingTransfer(msgs []providers.Message) []providers.Message {
	end := len(msgs)
	for end > 0 && isToolResult(msgs[end-1]) {
		end--
	}
	if end == 0 {
		return msgs
	}
	last := msgs[end-1]
	if last.Role != "assistant" {
		return msgs
	}
	for _, tc := range last.ToolCalls {
		if tc.Name == "transfer_to_agent" {
			return msgs[:end-1]
		}
	}
	for _, b := range last.Blocks {
		if b.Type == "tool_use" && b.Name == "transfer_to_agent" {
			return msgs[:end-1]
		}
	}
	return msgs
}
