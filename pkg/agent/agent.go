// Package agent implements the conversational runtime shared by every
// model-backed role: prompt templating, per-conversation history with
// persistence, automatic context compression, and streaming callbacks.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mindmesh/mindmesh/pkg/llms"
	"github.com/mindmesh/mindmesh/pkg/metrics"
	"github.com/mindmesh/mindmesh/pkg/session"
	"github.com/mindmesh/mindmesh/pkg/tokens"
)

const (
	// SummaryPlaceholder is substituted with the rolling context summary
	// when the prompt template declares it.
	SummaryPlaceholder = "{CONTEXT_SUMMARY}"

	// SummaryHeading is appended (once) when the template has no
	// placeholder for the summary.
	SummaryHeading = "## 历史对话总结"

	truncationMarker = "\n\n[... 内容过长已截断（保留开头和结尾）...]\n\n"

	// maxTokensPerMessage bounds a single history message; longer
	// messages keep their first and last 40%.
	maxTokensPerMessage = 2000
)

// Clock supplies wall-clock time; tests substitute a fixed one.
type Clock func() time.Time

// StreamCallback receives each streamed fragment together with the
// accumulated text so far. It is invoked synchronously from the provider
// read loop and must return quickly.
type StreamCallback func(agent string, fragment string, accumulated string)

// Agent binds a name, a prompt template, a provider and a session slot.
type Agent struct {
	name     string
	template string
	system   string

	provider *llms.Client
	sessions *session.Store
	cid      string

	history []llms.Message
	summary string

	maxContextTokens int
	maxContextTurns  int
	compressOff      bool
	compressing      bool

	compressorTemplate string
	compressor         *Agent

	counter *tokens.Counter

	onStream StreamCallback
	now      Clock
}

// Option configures an Agent.
type Option func(*Agent)

// WithSessions binds the agent to a conversation slot; history and the
// context summary are loaded immediately and persisted after each
// successful exchange.
func WithSessions(store *session.Store, cid string) Option {
	return func(a *Agent) {
		a.sessions = store
		a.cid = cid
	}
}

// WithCompression sets the turn and token thresholds that trigger
// history compression. The compressor template is the system prompt of
// the secondary summarising agent.
func WithCompression(maxTurns, maxTokens int, compressorTemplate string) Option {
	return func(a *Agent) {
		a.maxContextTurns = maxTurns
		a.maxContextTokens = maxTokens
		a.compressorTemplate = compressorTemplate
	}
}

// WithoutCompression disables automatic compression entirely. The
// compressor agent itself runs with this option to prevent recursion.
func WithoutCompression() Option {
	return func(a *Agent) { a.compressOff = true }
}

// WithStreamCallback registers the per-fragment callback.
func WithStreamCallback(cb StreamCallback) Option {
	return func(a *Agent) { a.onStream = cb }
}

// WithClock overrides the wall clock.
func WithClock(clock Clock) Option {
	return func(a *Agent) { a.now = clock }
}

// New builds an agent from a rendered-or-raw prompt template. The
// template is kept verbatim; UpdateSystemPrompt re-renders from it.
func New(name, template string, provider *llms.Client, opts ...Option) *Agent {
	a := &Agent{
		name:             name,
		template:         template,
		system:           template,
		provider:         provider,
		maxContextTurns:  20,
		maxContextTokens: 10000,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sessions != nil && a.cid != "" {
		a.history = a.sessions.LoadHistory(a.cid, a.name)
		a.summary = a.sessions.LoadSummary(a.cid, a.name)
		if a.summary != "" {
			a.system = injectSummary(a.template, a.summary)
		}
	}
	return a
}

// LoadTemplate reads a prompt template file.
func LoadTemplate(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading prompt template %s: %w", path, err)
	}
	return string(data), nil
}

// RequirePlaceholders verifies that a template declares every named
// placeholder, so misnamed prompt files fail at startup rather than
// silently producing unrendered prompts.
func RequirePlaceholders(template string, placeholders ...string) error {
	var missing []string
	for _, p := range placeholders {
		if !strings.Contains(template, p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("prompt template missing placeholders: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Name returns the agent's display name.
func (a *Agent) Name() string { return a.name }

// SystemPrompt returns the currently rendered system prompt.
func (a *Agent) SystemPrompt() string { return a.system }

// UpdateSystemPrompt re-renders the stored template with the given
// placeholder replacements. A loaded context summary is substituted into
// the {CONTEXT_SUMMARY} placeholder when the template declares it, and
// otherwise appended once under the summary heading.
func (a *Agent) UpdateSystemPrompt(replacements map[string]string) {
	rendered := a.template
	for placeholder, value := range replacements {
		rendered = strings.ReplaceAll(rendered, placeholder, value)
	}
	if a.summary != "" {
		rendered = injectSummary(rendered, a.summary)
	}
	a.system = rendered
}

func injectSummary(prompt, summary string) string {
	if strings.Contains(prompt, SummaryPlaceholder) {
		return strings.ReplaceAll(prompt, SummaryPlaceholder, summary)
	}
	if strings.Contains(prompt, SummaryHeading) {
		return prompt
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s", prompt, SummaryHeading, summary)
}

// DefaultContext renders the live header prepended to every user turn.
func (a *Agent) DefaultContext() string {
	now := a.now()
	return fmt.Sprintf("[当前时间: %s (%s %s)]\n\n",
		now.Format("2006-01-02 15:04:05"),
		now.Format("2006-01-02"),
		now.Weekday().String())
}

// Chat sends one user turn through the provider. The default-context
// header is prepended to the content and both the (header-prefixed) user
// message and the assistant reply are appended to history only on
// success, then persisted.
func (a *Agent) Chat(ctx context.Context, content string, opts llms.Options) (*llms.Completion, error) {
	content = a.DefaultContext() + content

	a.maybeCompress(ctx)

	messages := make([]llms.Message, 0, len(a.history)+2)
	messages = append(messages, llms.Message{Role: llms.RoleSystem, Content: a.system})
	messages = append(messages, a.history...)
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: content})

	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		slog.Debug("prompt assembled", "agent", a.name,
			"messages", len(messages), "prompt_tokens", a.promptTokens(messages))
	}

	var onDelta llms.StreamFunc
	if opts.Stream && a.onStream != nil {
		onDelta = func(fragment, accumulated string) {
			a.onStream(a.name, fragment, accumulated)
		}
	}

	completion, err := a.provider.Complete(ctx, messages, opts, onDelta)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(a.name, "error").Inc()
		return nil, err
	}
	metrics.ProviderRequests.WithLabelValues(a.name, "success").Inc()

	a.history = append(a.history,
		llms.Message{Role: llms.RoleUser, Content: content},
		llms.Message{Role: llms.RoleAssistant, Content: completion.Content},
	)
	a.saveHistory()
	return completion, nil
}

// History returns up to limit most recent messages; limit <= 0 returns
// the full history. The returned slice is a copy.
func (a *Agent) History(limit int) []llms.Message {
	msgs := a.history
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]llms.Message, len(msgs))
	copy(out, msgs)
	return out
}

// HistoryCount reports the number of stored messages.
func (a *Agent) HistoryCount() int { return len(a.history) }

// SetHistory replaces the live history and persists it.
func (a *Agent) SetHistory(messages []llms.Message) {
	a.history = make([]llms.Message, len(messages))
	copy(a.history, messages)
	a.saveHistory()
}

// ClearHistory drops the live history and persists the empty state.
func (a *Agent) ClearHistory() {
	a.history = nil
	a.saveHistory()
}

func (a *Agent) saveHistory() {
	if a.sessions == nil || a.cid == "" {
		return
	}
	if err := a.sessions.SaveHistory(a.cid, a.name, a.history); err != nil {
		slog.Warn("failed to persist history", "agent", a.name, "error", err)
	}
}

// promptTokens counts the assembled prompt with the provider model's
// tiktoken encoding. The counter is built once per agent and reused;
// when the encoding cannot be loaded the cheap heuristic stands in.
func (a *Agent) promptTokens(messages []llms.Message) int {
	if a.counter == nil {
		counter, err := tokens.NewCounter(a.provider.Model())
		if err != nil {
			slog.Warn("token counter unavailable", "agent", a.name, "error", err)
			return estimateHistory(messages)
		}
		a.counter = counter
	}
	countable := make([]tokens.Message, len(messages))
	for i, msg := range messages {
		countable[i] = tokens.Message{Role: msg.Role, Content: msg.Content}
	}
	return a.counter.CountMessages(countable)
}

func estimateHistory(messages []llms.Message) int {
	total := 0
	for _, msg := range messages {
		total += len([]rune(msg.Content))
	}
	return int(float64(total) / 2.0 * 1.2)
}

func (a *Agent) shouldCompress() bool {
	if a.compressOff || a.compressing || len(a.history) == 0 {
		return false
	}
	// A turn is one user message plus one assistant message.
	if len(a.history) >= a.maxContextTurns*2 {
		return true
	}
	return estimateHistory(a.history) >= a.maxContextTokens
}

func (a *Agent) compressorAgent() *Agent {
	if a.compressor == nil {
		a.compressor = New(a.name+"_压缩AI", a.compressorTemplate, a.provider,
			WithoutCompression(), WithClock(a.now))
	}
	return a.compressor
}

// maybeCompress checks the turn and token thresholds and, when either
// trips, asks the compressor agent to summarise the full history. The
// summary replaces everything but the last 4 messages, which are also
// truncated individually if overlong. Compression failure is logged and
// the turn proceeds with the uncompressed history.
func (a *Agent) maybeCompress(ctx context.Context) {
	if !a.shouldCompress() {
		return
	}
	a.compressing = true
	defer func() { a.compressing = false }()

	serialized, err := json.MarshalIndent(a.history, "", "  ")
	if err != nil {
		slog.Warn("failed to serialize history for compression", "agent", a.name, "error", err)
		return
	}
	input := fmt.Sprintf(
		"请压缩以下历史对话上下文：\n\n当前时间：%s\n\n历史对话上下文（JSON格式）：\n%s\n\n请生成适合注入到系统提示词中的总结。",
		a.now().Format("2006-01-02 15:04:05"), serialized)

	opts := llms.DefaultOptions()
	opts.MaxTokens = 2000
	opts.Temperature = 0.3
	// The compressor is stateless: each request stands alone, without
	// the exchanges of earlier compressions.
	compressor := a.compressorAgent()
	compressor.ClearHistory()
	completion, err := compressor.Chat(ctx, input, opts)
	if err != nil {
		slog.Warn("context compression failed", "agent", a.name, "error", err)
		return
	}
	summary := strings.TrimSpace(completion.Content)
	if summary == "" {
		slog.Warn("compressor returned empty summary", "agent", a.name)
		return
	}

	a.summary = summary
	a.system = injectSummary(a.template, summary)
	if a.sessions != nil && a.cid != "" {
		if err := a.sessions.SaveSummary(a.cid, a.name, summary); err != nil {
			slog.Warn("failed to persist context summary", "agent", a.name, "error", err)
		}
	}

	keep := 4
	if len(a.history) < keep {
		keep = len(a.history)
	}
	recent := a.history[len(a.history)-keep:]
	truncateLongMessages(recent)
	a.history = append([]llms.Message(nil), recent...)
	a.saveHistory()

	slog.Info("context compressed", "agent", a.name,
		"summary_chars", len([]rune(summary)), "kept_messages", keep)
}

// truncateLongMessages rewrites messages whose token estimate exceeds
// maxTokensPerMessage, keeping the first and last 40%.
func truncateLongMessages(messages []llms.Message) {
	maxChars := maxTokensPerMessage * 2
	for i, msg := range messages {
		runes := []rune(msg.Content)
		if tokens.Estimate(msg.Content) <= maxTokensPerMessage || len(runes) <= maxChars {
			continue
		}
		keep := int(float64(maxChars) * 0.4)
		messages[i].Content = string(runes[:keep]) + truncationMarker + string(runes[len(runes)-keep:])
	}
}
