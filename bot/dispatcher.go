// Package bot ties the pieces together: inbound chat messages are routed
// to per-thread sessions via the registry, and each session's event stream
// is rendered into debounced chat posts via a per-turn streaming response.
package bot

import (
	"log/slog"
	"sync"

	"github.com/zhubert/relay-core/claude"
	"github.com/zhubert/relay-core/config"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/manager"
	"github.com/zhubert/relay-core/streaming"
)

// Dispatcher routes messages between the chat platform and the session
// registry. One instance serves all threads.
type Dispatcher struct {
	cfg      *config.Config
	registry *manager.Registry
	poster   streaming.Poster
	log      *slog.Logger

	mu sync.Mutex
	// turns maps threadID to the active turn's streaming response. An
	// entry appears on the turn's first event and is removed at
	// finalization; a response is never reused across turns.
	turns map[string]*streaming.Response
	// targets remembers where each thread's posts go.
	targets map[string]postTarget
}

type postTarget struct {
	channelID string
	rootID    string
}

// New creates a dispatcher posting through the given chat API.
func New(cfg *config.Config, registry *manager.Registry, poster streaming.Poster) *Dispatcher {
	logger.SetDebug(cfg.Debug)
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		poster:   poster,
		log:      logger.WithComponent("dispatcher"),
		turns:    make(map[string]*streaming.Response),
		targets:  make(map[string]postTarget),
	}
}

// HandleMessage routes one inbound user message: the thread's session is
// created or resumed as needed, and the message is dispatched immediately
// or queued FIFO behind a busy turn.
func (d *Dispatcher) HandleMessage(threadID, channelID, rootID, text string) error {
	return d.HandleContent(threadID, channelID, rootID, claude.TextContent(text))
}

// HandleContent is HandleMessage for multimodal content blocks.
func (d *Dispatcher) HandleContent(threadID, channelID, rootID string, content []claude.ContentBlock) error {
	d.mu.Lock()
	d.targets[threadID] = postTarget{channelID: channelID, rootID: rootID}
	d.mu.Unlock()

	return d.registry.Enqueue(threadID, "", channelID, d.callbacksFor(threadID), content)
}

// callbacksFor builds the session callbacks for a thread. They run on the
// session's reader goroutine and feed the thread's current turn response,
// creating it on the turn's first event.
func (d *Dispatcher) callbacksFor(threadID string) claude.Callbacks {
	return claude.Callbacks{
		OnText: func(delta string) {
			d.currentTurn(threadID).OnText(delta)
		},
		OnToolUse: func(name, input string) {
			d.currentTurn(threadID).OnToolUse(name, input)
		},
		OnComplete: func(result claude.TurnResult) {
			resp := d.takeTurn(threadID)
			stats, _ := d.registry.SessionStats(threadID)
			resp.Finalize(result, stats)
		},
	}
}

// currentTurn returns the thread's active turn response, creating one on
// the turn's first event.
func (d *Dispatcher) currentTurn(threadID string) *streaming.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	if resp, ok := d.turns[threadID]; ok {
		return resp
	}
	target := d.targets[threadID]
	resp := streaming.New(d.poster, target.channelID, target.rootID, d.cfg.DebounceInterval.Duration)
	d.turns[threadID] = resp
	return resp
}

// takeTurn removes and returns the thread's active turn response so the
// next turn starts fresh. A turn with no deltas gets a response here so it
// still finalizes into a minimal post.
func (d *Dispatcher) takeTurn(threadID string) *streaming.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp, ok := d.turns[threadID]
	if !ok {
		target := d.targets[threadID]
		resp = streaming.New(d.poster, target.channelID, target.rootID, d.cfg.DebounceInterval.Duration)
	}
	delete(d.turns, threadID)
	return resp
}

// StopThread tears down a thread's session and forgets its durable record.
func (d *Dispatcher) StopThread(threadID string) error {
	d.mu.Lock()
	delete(d.turns, threadID)
	d.mu.Unlock()
	return d.registry.StopSession(threadID)
}

// Interrupt asks the thread's live session to abandon its current turn.
func (d *Dispatcher) Interrupt(threadID string) error {
	session, ok := d.registry.Session(threadID)
	if !ok {
		return nil
	}
	return session.Interrupt()
}

// SetDebug toggles debug logging at runtime and persists the choice to
// config.yaml so it survives a restart.
func (d *Dispatcher) SetDebug(enabled bool) error {
	logger.SetDebug(enabled)
	d.cfg.Debug = enabled
	return d.cfg.Save()
}

// ClearLogs removes the main log and every per-thread stream log, returning
// how many files were deleted.
func (d *Dispatcher) ClearLogs() (int, error) {
	count, err := logger.ClearLogs()
	if err != nil {
		return count, err
	}
	d.log.Info("logs cleared", "files", count)
	return count, nil
}

// Shutdown pauses every live session for a clean restart.
func (d *Dispatcher) Shutdown() {
	d.log.Info("dispatcher shutting down")
	d.registry.Shutdown()
}
