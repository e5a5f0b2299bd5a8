package claude

import (
	"errors"
	"sync"
	"time"
)

// MockSession is a test double for Session that doesn't spawn real
// processes. Tests script its behavior by queueing events that are
// delivered through the callbacks when a message is sent.
//
// NOTE: This file is used by the manager package's tests.
type MockSession struct {
	mu sync.Mutex

	threadID        string
	nativeSessionID string
	callbacks       Callbacks
	running         bool
	busy            bool
	stats           Stats

	// StartErr makes Start fail, simulating a spawn failure.
	StartErr error
	// FailFirstTurn makes the first turn complete with an error result,
	// simulating a resume against an expired native session.
	FailFirstTurn bool
	// AutoComplete delivers queued events synchronously from SendContent.
	// When false, tests drive delivery explicitly via EmitTurn.
	AutoComplete bool

	// Recorded calls for assertions.
	SentMessages []string
	StartCalls   int
	StopCalls    int
	InterruptCnt int
	KillCnt      int

	queued [][]Event
}

// NewMockSession creates a mock session for testing.
func NewMockSession(threadID, nativeSessionID string, callbacks Callbacks) *MockSession {
	return &MockSession{
		threadID:        threadID,
		nativeSessionID: nativeSessionID,
		callbacks:       callbacks,
		AutoComplete:    true,
	}
}

// QueueTurn queues the events delivered for the next turn. A TurnResult
// event is appended automatically if the scripted events lack one.
func (m *MockSession) QueueTurn(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, events)
}

func (m *MockSession) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartCalls++
	if m.StartErr != nil {
		return m.StartErr
	}
	m.running = true
	return nil
}

// Stop mirrors the real session: a turn still in flight completes with a
// synthesized error result.
func (m *MockSession) Stop() {
	m.mu.Lock()
	m.StopCalls++
	m.running = false
	midTurn := m.busy
	m.busy = false
	m.mu.Unlock()

	if midTurn && m.callbacks.OnComplete != nil {
		m.callbacks.OnComplete(TurnResult{IsError: true, ErrorText: "session stopped before the turn finished"})
	}
}

func (m *MockSession) Interrupt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InterruptCnt++
	return nil
}

func (m *MockSession) Kill() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.KillCnt++
	m.running = false
	return nil
}

func (m *MockSession) SendMessage(text string) error {
	return m.SendContent(TextContent(text))
}

func (m *MockSession) SendContent(content []ContentBlock) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return errors.New("session not running")
	}
	if m.busy {
		m.mu.Unlock()
		return errors.New("previous turn still in progress")
	}
	m.busy = true
	m.SentMessages = append(m.SentMessages, displayText(content))
	auto := m.AutoComplete
	m.mu.Unlock()

	if auto {
		m.EmitTurn()
	}
	return nil
}

// EmitTurn delivers the next queued turn's events through the callbacks
// and completes the turn. With nothing queued, a bare success result is
// delivered.
func (m *MockSession) EmitTurn() {
	m.mu.Lock()
	var events []Event
	if len(m.queued) > 0 {
		events = m.queued[0]
		m.queued = m.queued[1:]
	}
	failTurn := m.FailFirstTurn
	m.FailFirstTurn = false
	nativeID := m.nativeSessionID
	m.mu.Unlock()

	hasResult := false
	for _, ev := range events {
		switch ev.Type {
		case EventText:
			if m.callbacks.OnText != nil {
				m.callbacks.OnText(ev.Text)
			}
		case EventToolUse:
			if m.callbacks.OnToolUse != nil {
				m.callbacks.OnToolUse(ev.ToolName, ev.ToolInput)
			}
		case EventTurnResult:
			hasResult = true
			m.finishTurn(*ev.Result)
		}
	}

	if !hasResult {
		result := TurnResult{NativeSessionID: nativeID}
		if failTurn {
			result.IsError = true
			result.ErrorText = "no conversation found to resume"
		}
		m.finishTurn(result)
	}
}

func (m *MockSession) finishTurn(result TurnResult) {
	m.mu.Lock()
	m.busy = false
	m.stats.ApplyResult(&result, time.Now())
	m.mu.Unlock()

	if m.callbacks.OnComplete != nil {
		m.callbacks.OnComplete(result)
	}
}

// SimulateExit mimics the subprocess dying: a synthesized error completion
// fires if a turn was in flight, then OnExit is reported, matching the
// real session's mid-turn failure semantics.
func (m *MockSession) SimulateExit(err error) {
	m.mu.Lock()
	m.running = false
	midTurn := m.busy
	m.busy = false
	m.mu.Unlock()

	if midTurn && m.callbacks.OnComplete != nil {
		m.callbacks.OnComplete(TurnResult{IsError: true, ErrorText: "subprocess exited unexpectedly"})
	}
	if m.callbacks.OnExit != nil {
		m.callbacks.OnExit(err)
	}
}

func (m *MockSession) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *MockSession) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

func (m *MockSession) ThreadID() string { return m.threadID }

func (m *MockSession) NativeSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nativeSessionID
}

func (m *MockSession) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// displayText flattens content blocks to text for assertion convenience.
func displayText(blocks []ContentBlock) string {
	out := ""
	for _, b := range blocks {
		if b.Type == ContentTypeText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// Ensure MockSession implements SessionInterface at compile time.
var _ SessionInterface = (*MockSession)(nil)
