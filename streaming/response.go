// Package streaming turns a session's incremental text deltas into a
// single chat post that is created once and edited in place.
//
// One Response exists per assistant turn. The first delta creates the post
// synchronously; later deltas coalesce behind a single pending timer so
// post edits never exceed one per debounce interval, no matter how fast
// deltas arrive. Finalize performs one last non-debounced update with the
// complete text and a usage summary.
package streaming

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/relay-core/claude"
	"github.com/zhubert/relay-core/logger"
)

// DefaultDebounceInterval is the minimum gap between post edits while
// streaming.
const DefaultDebounceInterval = 300 * time.Millisecond

// Poster is the chat platform's post API. Create returns the new post's ID
// so subsequent edits target the same post.
type Poster interface {
	CreatePost(channelID, text, rootID string) (postID string, err error)
	UpdatePost(postID, text string) error
}

// Response accumulates one turn's output and drives the debounced
// create/update cycle. Discard it after Finalize; a Response is never
// reused across turns.
type Response struct {
	poster    Poster
	channelID string
	rootID    string
	interval  time.Duration
	log       *slog.Logger

	mu        sync.Mutex
	buf       strings.Builder
	postID    string
	timer     *time.Timer
	finalized bool
}

// New creates a Response for one turn posting into the given channel and
// thread root. A non-positive interval uses the default.
func New(poster Poster, channelID, rootID string, interval time.Duration) *Response {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	return &Response{
		poster:    poster,
		channelID: channelID,
		rootID:    rootID,
		interval:  interval,
		log:       logger.WithComponent("streaming"),
	}
}

// OnText appends a text delta. The first delta creates the chat post
// synchronously; later ones buffer and schedule a debounced update.
func (r *Response) OnText(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.buf.WriteString(delta)
	r.postLocked()
}

// OnToolUse appends a compact one-line summary of a tool invocation,
// subject to the same debounce as text.
func (r *Response) OnToolUse(name, input string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	if r.buf.Len() > 0 && !strings.HasSuffix(r.buf.String(), "\n") {
		r.buf.WriteString("\n")
	}
	r.buf.WriteString(toolSummary(name, input))
	r.buf.WriteString("\n")
	r.postLocked()
}

// postLocked creates the post on first content, otherwise schedules a
// single pending debounced update. Caller must hold mu.
func (r *Response) postLocked() {
	if r.postID == "" {
		postID, err := r.poster.CreatePost(r.channelID, r.buf.String(), r.rootID)
		if err != nil {
			// The debounced flush retries the create.
			r.log.Warn("failed to create post", "channelID", r.channelID, "error", err)
		} else {
			r.postID = postID
			// The create carried the whole buffer; nothing to flush yet.
			return
		}
	}

	if r.timer == nil {
		r.timer = time.AfterFunc(r.interval, r.flush)
	}
}

// flush pushes the buffered text to the chat platform when the debounce
// timer fires.
func (r *Response) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.timer = nil
	r.updateLocked()
}

// updateLocked performs one post write with the current buffer. Caller
// must hold mu. Failures are logged and skipped; the next write carries
// the full text anyway.
func (r *Response) updateLocked() {
	text := r.buf.String()

	if r.postID == "" {
		postID, err := r.poster.CreatePost(r.channelID, text, r.rootID)
		if err != nil {
			r.log.Warn("failed to create post", "channelID", r.channelID, "error", err)
			return
		}
		r.postID = postID
		return
	}

	if err := r.poster.UpdatePost(r.postID, text); err != nil {
		r.log.Warn("failed to update post", "postID", r.postID, "error", err)
	}
}

// Finalize completes the turn: cancels any pending debounce and performs
// one final update carrying the complete text plus a usage summary. A turn
// with no deltas still produces a minimal post. Safe to call once; later
// deltas are ignored.
func (r *Response) Finalize(result claude.TurnResult, stats claude.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.finalized = true

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	if result.IsError && result.ErrorText != "" {
		if r.buf.Len() > 0 {
			r.buf.WriteString("\n")
		}
		r.buf.WriteString(fmt.Sprintf("[Error: %s]", result.ErrorText))
	}
	if r.buf.Len() == 0 {
		r.buf.WriteString("(done)")
	}

	r.buf.WriteString("\n\n")
	r.buf.WriteString(statsLine(result, stats))

	r.updateLocked()
}

// PostID returns the chat post this turn streams into, empty until the
// first successful create.
func (r *Response) PostID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.postID
}

// statsLine renders the usage/cost summary appended to the final update.
func statsLine(result claude.TurnResult, stats claude.Stats) string {
	parts := []string{
		fmt.Sprintf("$%.4f", stats.TotalCostUSD),
		fmt.Sprintf("%s in / %s out", formatTokens(stats.TurnInputTokens+stats.TurnCacheReadTokens+stats.TurnCacheCreationTokens), formatTokens(stats.TurnOutputTokens)),
	}
	if result.DurationMs > 0 {
		parts = append(parts, fmt.Sprintf("%.1fs", float64(result.DurationMs)/1000))
	}
	if tps, ok := stats.TokensPerSecond(); ok {
		parts = append(parts, fmt.Sprintf("%.0f tok/s", tps))
	}
	if pct, ok := stats.ContextPercentUsed(); ok {
		parts = append(parts, fmt.Sprintf("%.0f%% context", pct))
	}
	return "`" + strings.Join(parts, " · ") + "`"
}

// formatTokens renders a token count compactly (950, 2.1k).
func formatTokens(n int) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

// toolVerbs maps tool names to display verbs for the one-line summaries.
var toolVerbs = map[string]string{
	"Read":      "Reading",
	"Edit":      "Editing",
	"Write":     "Writing",
	"Glob":      "Searching",
	"Grep":      "Searching",
	"Bash":      "Running",
	"Task":      "Delegating",
	"WebFetch":  "Fetching",
	"WebSearch": "Searching",
}

// toolSummary renders a compact one-liner for a tool invocation.
func toolSummary(name, input string) string {
	verb, ok := toolVerbs[name]
	if !ok {
		verb = "Using " + name
	}
	if input == "" {
		return fmt.Sprintf("> %s", verb)
	}
	return fmt.Sprintf("> %s `%s`", verb, input)
}
