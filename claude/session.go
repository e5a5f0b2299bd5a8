// Package claude manages Claude CLI subprocesses in stream-json mode.
//
// Each Session owns exactly one subprocess and its newline-delimited JSON
// protocol: user turns are written to stdin one JSON object per line, and a
// dedicated reader goroutine parses stdout events into typed callbacks.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/relay-core/logger"
)

// DefaultShutdownGrace is how long Stop waits after an interrupt before
// escalating to SIGKILL.
const DefaultShutdownGrace = 2 * time.Second

// ContentType identifies a content block kind.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// ContentBlock is a single piece of content in a user message.
type ContentBlock struct {
	Type   ContentType  `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is an embedded base64 image.
type ImageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // "image/png", "image/jpeg", etc.
	Data      string `json:"data"`
}

// TextContent creates a text-only content block slice.
func TextContent(text string) []ContentBlock {
	return []ContentBlock{{Type: ContentTypeText, Text: text}}
}

// streamInputMessage is the stdin format for one user turn.
type streamInputMessage struct {
	Type    string `json:"type"` // "user"
	Message struct {
		Role    string         `json:"role"` // "user"
		Content []ContentBlock `json:"content"`
	} `json:"message"`
}

// Callbacks receive parsed subprocess events. They are invoked from the
// session's reader goroutine, one at a time, in stream order. Nil callbacks
// are skipped.
type Callbacks struct {
	// OnText receives each incremental assistant text delta.
	OnText func(delta string)
	// OnToolUse receives each tool invocation with a brief input summary.
	OnToolUse func(name, input string)
	// OnComplete fires exactly once per turn, with the final result. When
	// the subprocess dies mid-turn, a synthesized error result is delivered
	// so callers never block waiting for a turn that cannot finish.
	OnComplete func(result TurnResult)
	// OnExit fires when the subprocess exits for any reason.
	OnExit func(err error)
}

// StartOptions configures a session's subprocess invocation.
type StartOptions struct {
	ThreadID   string
	WorkingDir string

	// ResumeSessionID resumes a previous native session when set; otherwise
	// a fresh session is started under a newly generated UUID. The two
	// invocation modes are mutually exclusive.
	ResumeSessionID string

	// Binary overrides the subprocess binary name. Defaults to "claude".
	Binary string

	// SystemContext is appended to the subprocess system prompt when set.
	SystemContext string

	// MCPConfigPath and PermissionTool delegate permission prompts to an
	// external endpoint. Both must be set for the flags to be passed.
	MCPConfigPath  string
	PermissionTool string

	// ShutdownGrace bounds how long Stop waits before escalating to a kill.
	ShutdownGrace time.Duration
}

// Session wraps one running subprocess for one chat thread.
type Session struct {
	opts      StartOptions
	callbacks Callbacks
	log       *slog.Logger

	mu              sync.Mutex
	cmd             *exec.Cmd
	stdin           io.WriteCloser
	stdout          *bufio.Reader
	stderr          io.ReadCloser
	stderrContent   string
	running         bool
	turnActive      bool
	nativeSessionID string
	stats           Stats
	ctx             context.Context
	cancel          context.CancelFunc
	// waitDone is closed by monitorExit when cmd.Wait() completes. Stop()
	// selects on this channel instead of calling cmd.Wait() again.
	waitDone chan struct{}
	wg       sync.WaitGroup

	// writeMu serializes stdin writes so two SendMessage calls can never
	// interleave bytes on the wire.
	writeMu sync.Mutex

	streamLog *os.File
}

// NewSession creates a session for a thread. Start must be called before
// messages can be sent.
func NewSession(opts StartOptions, callbacks Callbacks) *Session {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}

	nativeID := opts.ResumeSessionID
	if nativeID == "" {
		nativeID = uuid.NewString()
	}

	return &Session{
		opts:            opts,
		callbacks:       callbacks,
		log:             logger.WithThread(opts.ThreadID),
		nativeSessionID: nativeID,
	}
}

// buildArgs assembles the subprocess command line from the options.
func buildArgs(opts StartOptions, sessionID string) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}

	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}

	if opts.MCPConfigPath != "" && opts.PermissionTool != "" {
		args = append(args,
			"--mcp-config", opts.MCPConfigPath,
			"--permission-prompt-tool", opts.PermissionTool,
		)
	}

	if opts.SystemContext != "" {
		args = append(args, "--append-system-prompt", opts.SystemContext)
	}

	return args
}

// Start spawns the subprocess and its reader goroutines.
//
// The process gets its own process group so Interrupt and Kill can signal
// the whole tree, including anything the subprocess itself spawned.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	args := buildArgs(s.opts, s.nativeSessionID)
	s.log.Debug("starting subprocess", "command", s.opts.Binary+" "+strings.Join(args, " "))

	cmd := exec.Command(s.opts.Binary, args...)
	cmd.Dir = s.opts.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("failed to start subprocess: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = bufio.NewReader(stdout)
	s.stderr = stderr
	s.stderrContent = ""
	s.waitDone = make(chan struct{})
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	// Raw stream log for debugging, best effort.
	if path, err := logger.StreamLogPath(s.opts.ThreadID); err == nil {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			s.streamLog = f
		}
	}

	s.log.Info("subprocess started", "pid", cmd.Process.Pid, "resume", s.opts.ResumeSessionID != "")

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.readOutput()
	}()
	go func() {
		defer s.wg.Done()
		s.drainStderr()
	}()
	go func() {
		defer s.wg.Done()
		s.monitorExit()
	}()

	return nil
}

// SendMessage writes one text user turn to the subprocess.
func (s *Session) SendMessage(text string) error {
	return s.SendContent(TextContent(text))
}

// SendContent writes one user turn of content blocks to the subprocess.
// Calling this while a previous turn has not completed is a caller error;
// turn serialization is the message queue's job, not the session's.
func (s *Session) SendContent(content []ContentBlock) error {
	s.mu.Lock()
	if !s.running || s.stdin == nil {
		s.mu.Unlock()
		return errors.New("session not running")
	}
	if s.turnActive {
		s.mu.Unlock()
		return errors.New("previous turn still in progress")
	}
	s.turnActive = true
	s.stats.BeginTurn(time.Now())
	stdin := s.stdin
	s.mu.Unlock()

	msg := streamInputMessage{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = content

	data, err := json.Marshal(msg)
	if err != nil {
		s.abortTurn()
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	_, err = stdin.Write(data)
	s.writeMu.Unlock()

	if err != nil {
		s.abortTurn()
		return fmt.Errorf("failed to write to subprocess: %w", err)
	}

	s.log.Debug("message sent", "size", len(data))
	return nil
}

// abortTurn clears the active-turn flag after a send failed before the
// subprocess could have seen the message.
func (s *Session) abortTurn() {
	s.mu.Lock()
	s.turnActive = false
	s.mu.Unlock()
}

// readOutput is the session's dedicated reader loop. It blocks on
// subprocess stdout and dispatches each line's events.
func (s *Session) readOutput() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		running := s.running
		reader := s.stdout
		s.mu.Unlock()

		if !running || reader == nil {
			return
		}

		line, err := s.readLine(reader)
		if err != nil {
			if err == io.EOF {
				s.log.Debug("EOF on stdout, subprocess exited")
			} else if s.ctx.Err() == nil {
				s.log.Debug("error reading stdout", "error", err)
			}
			// Exit handling belongs to monitorExit.
			return
		}
		if len(line) == 0 {
			continue
		}

		s.handleLine(line)
	}
}

type readResult struct {
	line string
	err  error
}

// readLine reads one line, unblocking early on context cancellation.
// The spawned goroutine cannot be cancelled mid-read, but Stop closes
// stdin and kills the process, which unblocks it with EOF. The channel is
// buffered so the goroutine can always deliver its result and exit.
func (s *Session) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// handleLine parses one output line and dispatches its events.
func (s *Session) handleLine(line string) {
	if s.streamLog != nil {
		s.streamLog.WriteString(line)
	}

	for _, event := range parseStreamLine(line, s.log) {
		switch event.Type {
		case EventText:
			s.mu.Lock()
			s.stats.MarkFirstToken(time.Now())
			s.mu.Unlock()
			if s.callbacks.OnText != nil {
				s.callbacks.OnText(event.Text)
			}

		case EventToolUse:
			if s.callbacks.OnToolUse != nil {
				s.callbacks.OnToolUse(event.ToolName, event.ToolInput)
			}

		case EventUsage:
			s.mu.Lock()
			s.stats.ApplyUsage(*event.Usage)
			s.mu.Unlock()

		case EventTurnResult:
			s.completeTurn(*event.Result)
		}
	}
}

// completeTurn finalizes the active turn. It is a no-op when no turn is
// active, which makes the synthesized-completion path safe to call
// unconditionally on exit.
func (s *Session) completeTurn(result TurnResult) {
	s.mu.Lock()
	if !s.turnActive {
		s.mu.Unlock()
		return
	}
	s.turnActive = false
	s.stats.ApplyResult(&result, time.Now())
	if result.NativeSessionID != "" {
		s.nativeSessionID = result.NativeSessionID
	}
	s.mu.Unlock()

	if s.callbacks.OnComplete != nil {
		s.callbacks.OnComplete(result)
	}
}

// drainStderr captures stderr for inclusion in synthesized failure results.
func (s *Session) drainStderr() {
	s.mu.Lock()
	stderr := s.stderr
	s.mu.Unlock()

	if stderr == nil {
		return
	}

	data, err := io.ReadAll(stderr)
	if err != nil {
		s.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(data) > 0 {
		content := strings.TrimSpace(string(data))
		s.mu.Lock()
		s.stderrContent = content
		s.mu.Unlock()
		s.log.Debug("captured stderr", "content", truncateForLog(content))
	}
}

// monitorExit waits for the subprocess to exit. It is the sole caller of
// cmd.Wait(); Stop coordinates through waitDone instead of calling Wait
// itself.
func (s *Session) monitorExit() {
	s.mu.Lock()
	cmd := s.cmd
	waitDone := s.waitDone
	s.mu.Unlock()

	if cmd == nil {
		close(waitDone)
		return
	}

	err := cmd.Wait()
	close(waitDone)
	s.handleExit(err)
}

// handleExit marks the session dead and synthesizes a completion if a turn
// was still in flight, so no caller waits forever on a dead process.
func (s *Session) handleExit(err error) {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	turnActive := s.turnActive
	stderrContent := s.stderrContent
	s.mu.Unlock()

	if !wasRunning {
		return
	}

	s.log.Info("subprocess exited", "error", err, "midTurn", turnActive)

	if turnActive {
		errText := "subprocess exited unexpectedly"
		if err != nil {
			errText = fmt.Sprintf("subprocess exited unexpectedly: %v", err)
		}
		if stderrContent != "" {
			errText += "\n" + stderrContent
		}
		s.completeTurn(TurnResult{IsError: true, ErrorText: errText})
	}

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(err)
	}
}

// Interrupt sends SIGINT to the subprocess's process group. It is a
// request, not a guarantee; the subprocess may ignore it. Signaling an
// already-exited process is not an error.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalLocked(syscall.SIGINT)
}

// Kill sends SIGKILL to the subprocess's process group, reclaiming
// resources regardless of subprocess state.
func (s *Session) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalLocked(syscall.SIGKILL)
}

// signalLocked signals the process group. Caller must hold mu.
func (s *Session) signalLocked(sig syscall.Signal) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	pid := s.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}
	s.log.Debug("signaled process group", "pid", pid, "signal", sig)
	return nil
}

// Stop terminates the subprocess with escalation: interrupt, wait out the
// grace period, then kill if still alive. It blocks until the process is
// reaped and all session goroutines have exited. A turn still in flight is
// completed with a synthesized error result so consumers can finalize.
// Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false

	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	waitDone := s.waitDone
	s.signalLocked(syscall.SIGINT)
	s.mu.Unlock()

	if waitDone != nil {
		select {
		case <-waitDone:
			s.log.Debug("subprocess exited gracefully")
		case <-time.After(s.opts.ShutdownGrace):
			s.log.Debug("escalating to SIGKILL")
			s.Kill()
			<-waitDone
		}
	}

	s.wg.Wait()

	s.mu.Lock()
	if s.stderr != nil {
		s.stderr.Close()
		s.stderr = nil
	}
	if s.streamLog != nil {
		s.streamLog.Close()
		s.streamLog = nil
	}
	s.cmd = nil
	s.stdout = nil
	s.mu.Unlock()

	// The reader was cancelled, so any turn still in flight can no longer
	// produce a result. completeTurn is a no-op when the turn already
	// finished.
	s.completeTurn(TurnResult{IsError: true, ErrorText: "session stopped before the turn finished"})
}

// Running reports whether the subprocess is currently alive.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Busy reports whether a turn is currently in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnActive
}

// NativeSessionID returns the subprocess-native session identifier used
// for resume.
func (s *Session) NativeSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nativeSessionID
}

// ThreadID returns the chat thread this session belongs to.
func (s *Session) ThreadID() string {
	return s.opts.ThreadID
}

// StatsSnapshot returns a copy of the session's usage counters.
func (s *Session) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
