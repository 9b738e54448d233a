// Package process owns the upstream coding-assistant subprocess: spawn,
// newline-delimited JSON framing in both directions, session-init capture,
// and teardown. The adapter holds no routing logic; it surfaces lines and
// lifecycle events through callbacks installed before Spawn.
package process

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"agentbridge/internal/bridge"
	"agentbridge/internal/config"
	"agentbridge/internal/logging"
)

// ErrNotRunning marks writes against a dead subprocess.
var ErrNotRunning = errors.New("agent subprocess not running")

// maxLineBytes bounds one stdout line; assistant turns with large tool
// results can run to megabytes.
const maxLineBytes = 10 * 1024 * 1024

// initLine is the session-init shape emitted by the subprocess.
type initLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	Running   bool      `json:"running"`
	Ready     bool      `json:"ready"`
	SessionID string    `json:"sessionId,omitempty"`
	Model     string    `json:"model,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// Adapter manages one subprocess at a time.
type Adapter struct {
	cfg config.AgentConfig

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	running   bool
	ready     bool
	sessionID string
	model     string
	startedAt time.Time

	onLine  func(raw []byte)
	onReady func(sessionID, model string)
	onExit  func(err error)
}

// New builds an adapter for the configured agent command.
func New(cfg config.AgentConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

// SetCallbacks installs the line/ready/exit hooks. Must be called before
// Spawn; nil hooks are allowed.
func (a *Adapter) SetCallbacks(onLine func([]byte), onReady func(sessionID, model string), onExit func(err error)) {
	a.onLine = onLine
	a.onReady = onReady
	a.onExit = onExit
}

// Spawn starts the subprocess. Idempotent: when already running it reports
// alreadyRunning=true and changes nothing.
func (a *Adapter) Spawn() (alreadyRunning bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return true, nil
	}

	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	if a.cfg.WorkingDirectory != "" {
		cmd.Dir = a.cfg.WorkingDirectory
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start %s: %w", a.cfg.Command, err)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.running = true
	a.startedAt = time.Now()
	logging.Process("agent subprocess started: %s (pid %d)", a.cfg.Command, cmd.Process.Pid)

	go a.readLoop(stdout)
	go a.drainStderr(stderr)
	go a.waitExit(cmd)

	return false, nil
}

// readLoop parses stdout as one JSON object per line, strictly in arrival
// order. Partial chunks and multi-byte splits are the scanner's problem.
func (a *Adapter) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; hand out a copy.
		raw := append([]byte(nil), line...)
		a.handleLine(raw)
	}
	if err := scanner.Err(); err != nil {
		logging.Get(logging.CategoryProcess).Warn("stdout scan ended: %v", err)
	}
}

func (a *Adapter) handleLine(raw []byte) {
	head := bridge.PeekHead(raw)
	if head.Type == "system" && head.Subtype == "init" {
		var init initLine
		if err := json.Unmarshal(raw, &init); err == nil {
			a.mu.Lock()
			a.ready = true
			a.sessionID = init.SessionID
			a.model = init.Model
			a.mu.Unlock()
			logging.Process("session init: id=%s model=%s", init.SessionID, init.Model)
			if a.onReady != nil {
				a.onReady(init.SessionID, init.Model)
			}
		}
	}
	if a.onLine != nil {
		a.onLine(raw)
	}
}

func (a *Adapter) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		logging.ProcessDebug("agent stderr: %s", scanner.Text())
	}
}

// waitExit reaps the subprocess and clears session state the moment the
// stream ends.
func (a *Adapter) waitExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	a.mu.Lock()
	a.running = false
	a.ready = false
	a.sessionID = ""
	a.model = ""
	a.stdin = nil
	a.cmd = nil
	a.mu.Unlock()

	if err != nil {
		logging.Process("agent subprocess exited: %v", err)
	} else {
		logging.Process("agent subprocess exited cleanly")
	}
	if a.onExit != nil {
		a.onExit(err)
	}
}

// Send marshals v as one line and writes it to the subprocess. Writes
// before session init are attempted with a warning; there is no buffering
// guarantee.
func (a *Adapter) Send(v interface{}) error {
	a.mu.Lock()
	stdin := a.stdin
	running := a.running
	ready := a.ready
	a.mu.Unlock()

	if !running || stdin == nil {
		return ErrNotRunning
	}
	if !ready {
		logging.Get(logging.CategoryProcess).Warn("writing to agent before session init; delivery not guaranteed")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound line: %w", err)
	}
	data = append(data, '\n')
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

// SendRaw forwards a pre-encoded JSON object unmodified.
func (a *Adapter) SendRaw(raw json.RawMessage) error {
	a.mu.Lock()
	stdin := a.stdin
	running := a.running
	ready := a.ready
	a.mu.Unlock()

	if !running || stdin == nil {
		return ErrNotRunning
	}
	if !ready {
		logging.Get(logging.CategoryProcess).Warn("writing to agent before session init; delivery not guaranteed")
	}

	data := append(append([]byte(nil), raw...), '\n')
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

// SendUserText wraps text in the subprocess's user-message envelope.
func (a *Adapter) SendUserText(text string) error {
	return a.Send(bridge.NewUserMessage(text))
}

// ForwardClientMessage translates a client frame into the subprocess
// protocol: a user_message becomes the user envelope; unrecognized shapes
// pass through unmodified.
func (a *Adapter) ForwardClientMessage(raw json.RawMessage) error {
	var cm bridge.ClientMessage
	if err := json.Unmarshal(raw, &cm); err == nil && cm.Type == "user_message" {
		return a.SendUserText(cm.Message)
	}
	return a.SendRaw(raw)
}

// Kill terminates the subprocess. Safe when nothing is running; state is
// cleared by the exit path.
func (a *Adapter) Kill() error {
	a.mu.Lock()
	cmd := a.cmd
	running := a.running
	a.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}
	logging.Process("killing agent subprocess (pid %d)", cmd.Process.Pid)
	return cmd.Process.Kill()
}

// Running reports whether a subprocess is alive.
func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Ready reports whether the session-init line has arrived.
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// SessionID returns the captured session identity, empty before init.
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Model returns the captured model identity, empty before init.
func (a *Adapter) Model() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

// Snapshot returns the adapter state for the status endpoint.
func (a *Adapter) Snapshot() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Running:   a.running,
		Ready:     a.ready,
		SessionID: a.sessionID,
		Model:     a.model,
		StartedAt: a.startedAt,
	}
}
