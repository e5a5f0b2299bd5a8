package claude

// SessionInterface defines the contract for process sessions. The registry
// and queue depend on this interface so tests can substitute a mock for
// the real subprocess-backed Session.
type SessionInterface interface {
	// Lifecycle
	Start() error
	Stop()
	Interrupt() error
	Kill() error

	// Message handling
	SendMessage(text string) error
	SendContent(content []ContentBlock) error

	// State
	Running() bool
	Busy() bool
	ThreadID() string
	NativeSessionID() string
	StatsSnapshot() Stats
}

// Ensure Session implements SessionInterface at compile time.
var _ SessionInterface = (*Session)(nil)
