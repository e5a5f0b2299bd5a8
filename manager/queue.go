package manager

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhubert/relay-core/claude"
)

// messageQueue serializes user messages for one thread against a session
// that processes one turn at a time. Messages are dispatched in enqueue
// order; different threads' queues are fully independent.
type messageQueue struct {
	mu       sync.Mutex
	threadID string
	max      int
	session  claude.SessionInterface
	busy     bool
	pending  [][]claude.ContentBlock
	log      *slog.Logger
}

func newMessageQueue(threadID string, max int, log *slog.Logger) *messageQueue {
	return &messageQueue{
		threadID: threadID,
		max:      max,
		log:      log,
	}
}

// bind attaches the live session this queue dispatches to.
func (q *messageQueue) bind(session claude.SessionInterface) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.session = session
}

// enqueue dispatches the message immediately when the session is idle,
// otherwise appends it. It never blocks the caller. Returns an error when
// the queue is full or dispatch fails.
func (q *messageQueue) enqueue(content []claude.ContentBlock) error {
	q.mu.Lock()
	if q.session == nil {
		q.mu.Unlock()
		return fmt.Errorf("no session bound for thread %s", q.threadID)
	}
	if q.busy {
		if q.max > 0 && len(q.pending) >= q.max {
			q.mu.Unlock()
			return fmt.Errorf("message queue full for thread %s (%d pending)", q.threadID, q.max)
		}
		q.pending = append(q.pending, content)
		q.log.Debug("message queued", "pending", len(q.pending))
		q.mu.Unlock()
		return nil
	}
	q.busy = true
	session := q.session
	q.mu.Unlock()

	if err := session.SendContent(content); err != nil {
		q.mu.Lock()
		q.busy = false
		q.mu.Unlock()
		return err
	}
	return nil
}

// onTurnComplete pops and dispatches the next pending message, or marks
// the session idle when the queue is empty. A dispatch failure means the
// session is gone; the message is pushed back so it is held, not lost,
// until the thread's next spawn.
func (q *messageQueue) onTurnComplete() {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.busy = false
		q.mu.Unlock()
		return
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	session := q.session
	q.mu.Unlock()

	if err := session.SendContent(next); err != nil {
		q.log.Warn("failed to dispatch queued message, holding it", "error", err)
		q.mu.Lock()
		q.pending = append([][]claude.ContentBlock{next}, q.pending...)
		q.busy = false
		q.mu.Unlock()
	}
}

// drain removes and returns all pending messages, used to hold them across
// a crashed session until the next spawn.
func (q *messageQueue) drain() [][]claude.ContentBlock {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.pending
	q.pending = nil
	q.busy = false
	return pending
}

// depth returns the number of pending messages.
func (q *messageQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
