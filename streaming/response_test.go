package streaming

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/relay-core/claude"
	"github.com/zhubert/relay-core/logger"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "streaming-test")
	if err != nil {
		os.Exit(1)
	}
	logger.Reset()
	logger.Init(filepath.Join(dir, "relay.log"))

	code := m.Run()

	logger.Reset()
	os.RemoveAll(dir)
	os.Exit(code)
}

// fakePoster records create/update calls and can be scripted to fail.
type fakePoster struct {
	mu        sync.Mutex
	nextID    int
	creates   []string
	updates   []string
	createErr error
	updateErr error
}

func (p *fakePoster) CreatePost(channelID, text, rootID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.nextID++
	p.creates = append(p.creates, text)
	return fmt.Sprintf("post-%d", p.nextID), nil
}

func (p *fakePoster) UpdatePost(postID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateErr != nil {
		return p.updateErr
	}
	p.updates = append(p.updates, text)
	return nil
}

func (p *fakePoster) createCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creates)
}

func (p *fakePoster) updateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

func (p *fakePoster) lastUpdate() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updates) == 0 {
		return ""
	}
	return p.updates[len(p.updates)-1]
}

func TestFirstDeltaCreatesPostSynchronously(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, "chan-1", "root-1", 50*time.Millisecond)

	r.OnText("Hello")

	if poster.createCount() != 1 {
		t.Fatalf("creates = %d, want 1", poster.createCount())
	}
	if poster.creates[0] != "Hello" {
		t.Errorf("created text = %q, want Hello", poster.creates[0])
	}
	if r.PostID() != "post-1" {
		t.Errorf("PostID() = %q, want post-1", r.PostID())
	}
}

func TestDebounceCoalescing(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, "chan-1", "root-1", 50*time.Millisecond)

	// N deltas arriving much faster than the debounce interval.
	const n = 20
	for i := 0; i < n; i++ {
		r.OnText("x")
	}
	time.Sleep(120 * time.Millisecond)

	r.Finalize(claude.TurnResult{}, claude.Stats{})

	// One create plus coalesced updates: total write calls well under N,
	// at least one update, and the final update carries the complete text.
	calls := poster.createCount() + poster.updateCount()
	if calls >= n {
		t.Errorf("write calls = %d, want < %d (coalescing)", calls, n)
	}
	if poster.updateCount() < 1 {
		t.Fatalf("updates = %d, want >= 1", poster.updateCount())
	}
	if !strings.HasPrefix(poster.lastUpdate(), strings.Repeat("x", n)) {
		t.Errorf("final update does not carry the complete text: %q", poster.lastUpdate())
	}
}

func TestFinalizeAppendsStatsLine(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, "chan-1", "root-1", 10*time.Millisecond)

	r.OnText("Answer")

	var stats claude.Stats
	stats.BeginTurn(time.Now())
	stats.ApplyResult(&claude.TurnResult{
		CostUSD: 0.0412,
		Usage:   claude.Usage{InputTokens: 2100, OutputTokens: 350},
	}, time.Now())

	r.Finalize(claude.TurnResult{DurationMs: 4100}, stats)

	final := poster.lastUpdate()
	if !strings.Contains(final, "Answer") {
		t.Errorf("final update missing text: %q", final)
	}
	if !strings.Contains(final, "$0.0412") {
		t.Errorf("final update missing cost: %q", final)
	}
	if !strings.Contains(final, "4.1s") {
		t.Errorf("final update missing duration: %q", final)
	}
}

func TestZeroDeltaTurnProducesMinimalPost(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, "chan-1", "root-1", 10*time.Millisecond)

	r.Finalize(claude.TurnResult{}, claude.Stats{})

	if poster.createCount() != 1 {
		t.Fatalf("creates = %d, want 1 (minimal completion post)", poster.createCount())
	}
	if !strings.Contains(poster.creates[0], "(done)") {
		t.Errorf("minimal post text = %q, want it to contain (done)", poster.creates[0])
	}
}

func TestErrorResultFinalizesWithErrorMarker(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, "chan-1", "root-1", 10*time.Millisecond)

	r.OnText("partial out")
	r.Finalize(claude.TurnResult{IsError: true, ErrorText: "subprocess exited unexpectedly"}, claude.Stats{})

	final := poster.lastUpdate()
	if !strings.Contains(final, "partial out") {
		t.Errorf("final update lost partial text: %q", final)
	}
	if !strings.Contains(final, "[Error: subprocess exited unexpectedly]") {
		t.Errorf("final update missing error marker: %q", final)
	}
}

func TestToolUseAppendsOneLiner(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, "chan-1", "root-1", 10*time.Millisecond)

	r.OnText("Let me check.")
	r.OnToolUse("Read", "main.go")
	r.OnToolUse("FancyNewTool", "")
	r.Finalize(claude.TurnResult{}, claude.Stats{})

	final := poster.lastUpdate()
	if !strings.Contains(final, "> Reading `main.go`") {
		t.Errorf("final update missing tool summary: %q", final)
	}
	if !strings.Contains(final, "> Using FancyNewTool") {
		t.Errorf("final update missing fallback tool summary: %q", final)
	}
}

func TestFinalizeIsTerminal(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, "chan-1", "root-1", 10*time.Millisecond)

	r.OnText("done")
	r.Finalize(claude.TurnResult{}, claude.Stats{})
	updatesAfterFinalize := poster.updateCount()

	// Late events after finalization are ignored.
	r.OnText("straggler")
	r.Finalize(claude.TurnResult{}, claude.Stats{})
	time.Sleep(30 * time.Millisecond)

	if poster.updateCount() != updatesAfterFinalize {
		t.Errorf("updates = %d after late events, want %d", poster.updateCount(), updatesAfterFinalize)
	}
	if strings.Contains(poster.lastUpdate(), "straggler") {
		t.Errorf("late delta leaked into post: %q", poster.lastUpdate())
	}
}

func TestCreateFailureRetriedOnFlush(t *testing.T) {
	poster := &fakePoster{createErr: errors.New("rate limited")}
	r := New(poster, "chan-1", "root-1", 20*time.Millisecond)

	r.OnText("hello")
	if r.PostID() != "" {
		t.Fatalf("PostID() = %q after failed create, want empty", r.PostID())
	}

	// Platform recovers; the debounced flush retries the create.
	poster.mu.Lock()
	poster.createErr = nil
	poster.mu.Unlock()

	time.Sleep(60 * time.Millisecond)

	if poster.createCount() != 1 {
		t.Fatalf("creates = %d after retry, want 1", poster.createCount())
	}
	if r.PostID() == "" {
		t.Error("PostID() still empty after retried create")
	}
}

func TestUpdateFailureIsSkipped(t *testing.T) {
	poster := &fakePoster{}
	r := New(poster, "chan-1", "root-1", 10*time.Millisecond)

	r.OnText("first")
	poster.mu.Lock()
	poster.updateErr = errors.New("rate limited")
	poster.mu.Unlock()
	r.OnText(" second")
	time.Sleep(30 * time.Millisecond)

	// Failure was logged and skipped; the final update carries everything.
	poster.mu.Lock()
	poster.updateErr = nil
	poster.mu.Unlock()
	r.Finalize(claude.TurnResult{}, claude.Stats{})

	if !strings.Contains(poster.lastUpdate(), "first second") {
		t.Errorf("final update missing complete text: %q", poster.lastUpdate())
	}
}
