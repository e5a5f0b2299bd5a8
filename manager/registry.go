// Package manager owns the thread-to-session mapping: at most one live
// subprocess session per chat thread, per-thread FIFO message queues, and
// the durable records that make sessions resumable across restarts.
package manager

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zhubert/relay-core/claude"
	"github.com/zhubert/relay-core/config"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/paths"
	"github.com/zhubert/relay-core/store"
)

// SessionFactory creates sessions. Injectable so tests can substitute
// claude.MockSession for the real subprocess-backed implementation.
type SessionFactory func(opts claude.StartOptions, callbacks claude.Callbacks) claude.SessionInterface

// entry reserves a thread's slot in the registry. The slot is inserted
// under the mutex before spawning, so concurrent GetOrCreate calls for the
// same thread wait on ready instead of spawning a second process.
type entry struct {
	ready   chan struct{} // closed when the spawn attempt finishes
	session claude.SessionInterface
	queue   *messageQueue
	err     error
}

// Registry is the single authority for which threads have live sessions.
type Registry struct {
	cfg     *config.Config
	store   *store.Store
	factory SessionFactory
	log     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	// parked holds messages that were queued when a session crashed; they
	// are re-dispatched after the next successful spawn for that thread.
	parked map[string][][]claude.ContentBlock
}

// NewRegistry creates a registry. A nil factory uses real sessions.
func NewRegistry(cfg *config.Config, st *store.Store, factory SessionFactory) *Registry {
	if factory == nil {
		factory = func(opts claude.StartOptions, callbacks claude.Callbacks) claude.SessionInterface {
			return claude.NewSession(opts, callbacks)
		}
	}
	return &Registry{
		cfg:     cfg,
		store:   st,
		factory: factory,
		log:     logger.WithComponent("registry"),
		entries: make(map[string]*entry),
		parked:  make(map[string][][]claude.ContentBlock),
	}
}

// GetOrCreate returns the thread's live session, spawning or resuming one
// if needed. Concurrent calls for the same thread observe exactly one
// spawn. The callbacks are used only when this call spawns; for an already
// live session they are ignored.
//
// When the thread has a durable record, the session is started in resume
// mode against its native session ID. A resume that fails to start falls
// back to a fresh session once, and the record is updated either way.
func (r *Registry) GetOrCreate(threadID, workingDir, channelID string, callbacks claude.Callbacks) (claude.SessionInterface, error) {
	r.mu.Lock()
	for {
		e, ok := r.entries[threadID]
		if !ok {
			break
		}
		r.mu.Unlock()
		<-e.ready
		if e.err == nil && e.session.Running() {
			return e.session, nil
		}
		// Spawn failed or the session died; clear the stale entry and
		// reserve again.
		r.mu.Lock()
		if r.entries[threadID] == e {
			delete(r.entries, threadID)
		}
	}

	e := &entry{
		ready: make(chan struct{}),
		queue: newMessageQueue(threadID, r.cfg.MaxQueuedMessages, logger.WithThread(threadID)),
	}
	r.entries[threadID] = e
	r.mu.Unlock()

	session, resumed, spawnDir, err := r.spawn(threadID, workingDir, e, callbacks)
	if err != nil {
		e.err = err
		close(e.ready)
		r.mu.Lock()
		if r.entries[threadID] == e {
			delete(r.entries, threadID)
		}
		r.mu.Unlock()
		return nil, err
	}

	e.session = session
	e.queue.bind(session)
	close(e.ready)

	r.mu.Lock()
	current := r.entries[threadID] == e
	r.mu.Unlock()
	if !current {
		// StopSession raced the spawn and removed the reservation; it stops
		// the session once ready closes. Persisting here would resurrect
		// the record the user just deleted.
		return nil, fmt.Errorf("session for thread %s was stopped while starting", threadID)
	}

	r.persistSpawn(threadID, channelID, spawnDir, session, resumed)
	r.redispatchParked(threadID, e)

	return session, nil
}

// spawn starts a session for the thread, resuming from the durable record
// when one exists. A failed resume start falls back to a new session once.
func (r *Registry) spawn(threadID, workingDir string, e *entry, callbacks claude.Callbacks) (claude.SessionInterface, bool, string, error) {
	rec, hasRec := r.store.Get(threadID)

	if workingDir == "" {
		if hasRec && rec.WorkingDir != "" {
			workingDir = rec.WorkingDir
		} else {
			workingDir = r.cfg.DefaultWorkingDir
		}
	}

	opts := claude.StartOptions{
		ThreadID:      threadID,
		WorkingDir:    workingDir,
		Binary:        r.cfg.ClaudeBinary,
		SystemContext: r.cfg.SystemContext,
		ShutdownGrace: r.cfg.ShutdownGrace.Duration,
	}
	if hasRec && rec.NativeSessionID != "" {
		opts.ResumeSessionID = rec.NativeSessionID
	}

	if r.cfg.Permission.Enabled() {
		mcpPath, err := r.ensurePermissionMCPConfig()
		if err != nil {
			r.log.Warn("failed to write permission MCP config, starting without permission delegation", "error", err)
		} else {
			opts.MCPConfigPath = mcpPath
			opts.PermissionTool = r.cfg.Permission.Tool
		}
	}

	wrapped := r.wrapCallbacks(threadID, e, callbacks)

	session := r.factory(opts, wrapped)
	err := session.Start()
	if err != nil && opts.ResumeSessionID != "" {
		r.log.Warn("resume failed, falling back to new session",
			"threadID", threadID, "nativeSessionID", opts.ResumeSessionID, "error", err)
		opts.ResumeSessionID = ""
		session = r.factory(opts, wrapped)
		err = session.Start()
	}
	if err != nil {
		return nil, false, "", fmt.Errorf("failed to start session for thread %s: %w", threadID, err)
	}

	resumed := hasRec && session.NativeSessionID() == rec.NativeSessionID
	return session, resumed, workingDir, nil
}

// wrapCallbacks layers registry bookkeeping over the caller's callbacks:
// turn completion drives the queue drain and the durable record, and
// subprocess exit clears the live entry.
func (r *Registry) wrapCallbacks(threadID string, e *entry, callbacks claude.Callbacks) claude.Callbacks {
	return claude.Callbacks{
		OnText:    callbacks.OnText,
		OnToolUse: callbacks.OnToolUse,
		OnComplete: func(result claude.TurnResult) {
			if callbacks.OnComplete != nil {
				callbacks.OnComplete(result)
			}
			if !result.IsError {
				if err := r.store.RecordTurn(threadID, result.CostUSD,
					result.Usage.InputTokens, result.Usage.OutputTokens, time.Now().UTC()); err != nil {
					r.log.Warn("failed to persist turn", "threadID", threadID, "error", err)
				}
			} else if err := r.store.Touch(threadID, time.Now().UTC()); err != nil {
				// Error turns carry no usage to fold in, but they are still
				// activity.
				r.log.Warn("failed to touch activity", "threadID", threadID, "error", err)
			}
			e.queue.onTurnComplete()
		},
		OnExit: func(err error) {
			if callbacks.OnExit != nil {
				callbacks.OnExit(err)
			}
			r.handleSessionExit(threadID, e)
		},
	}
}

// handleSessionExit removes a dead session's entry and parks its pending
// messages until the next GetOrCreate re-spawns the thread.
func (r *Registry) handleSessionExit(threadID string, e *entry) {
	pending := e.queue.drain()

	r.mu.Lock()
	if r.entries[threadID] == e {
		delete(r.entries, threadID)
		if len(pending) > 0 {
			r.parked[threadID] = append(r.parked[threadID], pending...)
		}
	}
	r.mu.Unlock()

	r.log.Info("session exited", "threadID", threadID, "parkedMessages", len(pending))
}

// redispatchParked replays messages parked by a crashed session into the
// newly spawned one, preserving their order.
func (r *Registry) redispatchParked(threadID string, e *entry) {
	r.mu.Lock()
	pending := r.parked[threadID]
	delete(r.parked, threadID)
	r.mu.Unlock()

	for _, content := range pending {
		if err := e.queue.enqueue(content); err != nil {
			r.log.Warn("failed to redispatch parked message", "threadID", threadID, "error", err)
		}
	}
}

// persistSpawn writes the thread's durable record after a successful
// spawn. Counters carry over on resume and reset for a fresh session.
func (r *Registry) persistSpawn(threadID, channelID, workingDir string, session claude.SessionInterface, resumed bool) {
	now := time.Now().UTC()
	rec, hasRec := r.store.Get(threadID)

	if !resumed || !hasRec {
		rec = store.Record{StartedAt: now}
	}
	rec.NativeSessionID = session.NativeSessionID()
	if channelID != "" {
		rec.ChannelID = channelID
	}
	rec.WorkingDir = workingDir
	rec.LastActivityAt = now
	rec.IsPaused = false

	if err := r.store.Put(threadID, rec); err != nil {
		r.log.Warn("failed to persist session record", "threadID", threadID, "error", err)
	}
}

// Enqueue routes one inbound user message to the thread's session,
// spawning or resuming it first if needed. Busy sessions queue the message
// FIFO; idle sessions dispatch immediately. Activity is touched either way.
func (r *Registry) Enqueue(threadID, workingDir, channelID string, callbacks claude.Callbacks, content []claude.ContentBlock) error {
	_, err := r.GetOrCreate(threadID, workingDir, channelID, callbacks)
	if err != nil {
		return err
	}

	r.mu.Lock()
	e := r.entries[threadID]
	r.mu.Unlock()
	if e == nil {
		return fmt.Errorf("session for thread %s disappeared before dispatch", threadID)
	}

	if err := r.Touch(threadID); err != nil {
		r.log.Warn("failed to touch activity", "threadID", threadID, "error", err)
	}

	return e.queue.enqueue(content)
}

// Touch updates the thread's last-activity timestamp, independent of
// pause state.
func (r *Registry) Touch(threadID string) error {
	return r.store.Touch(threadID, time.Now().UTC())
}

// StopSession terminates the thread's session with escalation, removes it
// from the registry, and deletes its durable record. Calling it again for
// an already-stopped thread is a no-op.
func (r *Registry) StopSession(threadID string) error {
	r.mu.Lock()
	e := r.entries[threadID]
	delete(r.entries, threadID)
	delete(r.parked, threadID)
	r.mu.Unlock()

	if e != nil {
		<-e.ready
		if e.session != nil {
			e.session.Stop()
		}
	}

	if err := r.store.Delete(threadID); err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}

	r.log.Info("session stopped", "threadID", threadID, "wasLive", e != nil)
	return nil
}

// PauseAll prepares for graceful shutdown: every live session's record is
// persisted with is_paused=true, the subprocess is terminated with
// escalation, and the registry is cleared. Paused threads resume lazily on
// their next inbound message.
func (r *Registry) PauseAll() {
	r.mu.Lock()
	entries := make(map[string]*entry, len(r.entries))
	for threadID, e := range r.entries {
		entries[threadID] = e
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for threadID, e := range entries {
		wg.Add(1)
		go func(threadID string, e *entry) {
			defer wg.Done()
			<-e.ready
			if e.session == nil {
				return
			}
			if err := r.store.MarkPaused(threadID, true); err != nil {
				r.log.Warn("failed to mark session paused", "threadID", threadID, "error", err)
			}
			e.session.Stop()
			r.log.Info("session paused", "threadID", threadID)
		}(threadID, e)
	}
	wg.Wait()
}

// Shutdown pauses all sessions and closes the logger.
func (r *Registry) Shutdown() {
	r.log.Info("shutting down", "liveSessions", r.Len())
	r.PauseAll()
	logger.Close()
}

// Session returns the thread's live session, if any.
func (r *Registry) Session(threadID string) (claude.SessionInterface, bool) {
	r.mu.Lock()
	e := r.entries[threadID]
	r.mu.Unlock()

	if e == nil {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false // still spawning
	}
	if e.err != nil || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// SessionStats returns a usage snapshot for the thread's live session.
func (r *Registry) SessionStats(threadID string) (claude.Stats, bool) {
	session, ok := r.Session(threadID)
	if !ok {
		return claude.Stats{}, false
	}
	return session.StatsSnapshot(), true
}

// QueueDepth returns the number of pending messages for a thread.
func (r *Registry) QueueDepth(threadID string) int {
	r.mu.Lock()
	e := r.entries[threadID]
	r.mu.Unlock()
	if e == nil {
		return 0
	}
	return e.queue.depth()
}

// Len returns the number of live (or spawning) sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ensurePermissionMCPConfig writes the permission endpoint's MCP server
// definition under the state dir and returns its path.
func (r *Registry) ensurePermissionMCPConfig() (string, error) {
	dir, err := paths.StateDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	data, err := r.cfg.Permission.MCPConfig()
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, "permission-mcp.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}
