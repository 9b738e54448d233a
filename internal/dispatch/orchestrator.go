package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentbridge/internal/config"
	"agentbridge/internal/logging"
	"agentbridge/internal/metrics"
)

var (
	// ErrDisabled reports the pipeline kill-switch.
	ErrDisabled = errors.New("dispatch pipeline disabled")
	// ErrCapacity reports a refused dispatch: either the concurrent-session
	// ceiling or the sliding one-hour ceiling is full.
	ErrCapacity = errors.New("dispatch capacity exceeded")
)

// SessionStatus tracks one attempt through its lifecycle.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusTimedOut  SessionStatus = "timedOut"
)

// ActiveDispatchSession is the bookkeeping record for one attempt. Terminal
// sessions linger for a grace period so the statistics endpoint can report
// recent history without unbounded growth.
type ActiveDispatchSession struct {
	ID            string        `json:"id"`
	WorkItemID    string        `json:"workItemId"`
	Title         string        `json:"title"`
	StartedAt     time.Time     `json:"startedAt"`
	WorkspacePath string        `json:"workspacePath,omitempty"`
	BranchName    string        `json:"branchName,omitempty"`
	Status        SessionStatus `json:"status"`
}

// DispatchResult is the terminal report for one session.
type DispatchResult struct {
	Outcome       Outcome  `json:"outcome"`
	ExitCode      int      `json:"exitCode"`
	Stdout        string   `json:"stdout,omitempty"`
	Stderr        string   `json:"stderr,omitempty"`
	FilesChanged  []string `json:"filesChanged"`
	TestsPassed   bool     `json:"testsPassed"`
	CommitHash    string   `json:"commitHash,omitempty"`
	DurationMS    int64    `json:"durationMs"`
	WorkspacePath string   `json:"workspacePath,omitempty"`
	BranchName    string   `json:"branchName,omitempty"`
}

// Notifier receives terminal outcomes and escalations. Implementations live
// outside this repo and are injected; LogNotifier is the stand-in.
type Notifier interface {
	DispatchCompleted(ctx context.Context, item WorkItem, result DispatchResult)
	Escalated(ctx context.Context, item WorkItem, reason string)
}

// WorkspaceProvisioner is the workspace lifecycle seam. WorkspaceManager is
// the git-worktree implementation.
type WorkspaceProvisioner interface {
	Provision(ctx context.Context, slug string) (*Workspace, error)
	Remove(ctx context.Context, ws *Workspace) error
}

// Runner executes one bounded session. SessionRunner is the subprocess
// implementation.
type Runner interface {
	Run(ctx context.Context, spec SessionSpec) SessionOutput
}

// LogNotifier reports outcomes through the dispatch log.
type LogNotifier struct{}

func (LogNotifier) DispatchCompleted(ctx context.Context, item WorkItem, result DispatchResult) {
	logging.Dispatch("work item %s finished: outcome=%s files=%d tests=%v commit=%s duration=%dms",
		item.PageID, result.Outcome, len(result.FilesChanged), result.TestsPassed, result.CommitHash, result.DurationMS)
}

func (LogNotifier) Escalated(ctx context.Context, item WorkItem, reason string) {
	logging.Dispatch("work item %s escalated: %s", item.PageID, reason)
}

// HandleResult is the synchronous answer to a webhook: the decision, plus
// the session id when the decision was dispatch.
type HandleResult struct {
	Decision  Decision `json:"decision"`
	RuleID    string   `json:"ruleId"`
	SessionID string   `json:"sessionId,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

type resultEvent struct {
	item   WorkItem
	result DispatchResult
}

// Orchestrator owns the received → decided → executed pipeline for work
// items: rule evaluation, the two capacity gates, workspace lifecycle,
// session execution, and bookkeeping.
type Orchestrator struct {
	cfg        config.DispatchConfig
	rules      *RuleTable
	workspaces WorkspaceProvisioner
	runner     Runner
	notifier   Notifier

	mu       sync.Mutex
	sessions map[string]*ActiveDispatchSession
	stamps   []time.Time // admission times inside the sliding hour

	results  chan resultEvent
	wg       sync.WaitGroup
	loopDone chan struct{}
	stopOnce sync.Once
}

// New wires an orchestrator and starts its result loop. A nil notifier
// falls back to LogNotifier.
func New(cfg config.DispatchConfig, rules *RuleTable, workspaces WorkspaceProvisioner, runner Runner, notifier Notifier) *Orchestrator {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	o := &Orchestrator{
		cfg:        cfg,
		rules:      rules,
		workspaces: workspaces,
		runner:     runner,
		notifier:   notifier,
		sessions:   make(map[string]*ActiveDispatchSession),
		results:    make(chan resultEvent, 8),
		loopDone:   make(chan struct{}),
	}
	go o.resultLoop()
	return o
}

// Handle evaluates one validated work item. Escalate and queue answer
// synchronously; dispatch passes the capacity gates, registers a session,
// and returns while a goroutine owns the provision → run → classify path.
func (o *Orchestrator) Handle(ctx context.Context, item WorkItem) (HandleResult, error) {
	// 1. Kill switch.
	if o.cfg.Disabled {
		metrics.DispatchSessionsTotal.WithLabelValues("disabled").Inc()
		return HandleResult{}, ErrDisabled
	}

	// 2. First matching rule decides.
	eval := o.rules.Evaluate(item)
	logging.Dispatch("work item %s (%q) matched rule %s: %s", item.PageID, item.Title, eval.RuleID, eval.Decision)

	switch eval.Decision {
	case DecisionEscalate:
		metrics.DispatchSessionsTotal.WithLabelValues("escalated").Inc()
		reason := fmt.Sprintf("rule %s requires human attention", eval.RuleID)
		if eval.RuleID == DefaultRuleID {
			reason = "no dispatch rule matched"
		}
		o.notifier.Escalated(ctx, item, reason)
		return HandleResult{Decision: DecisionEscalate, RuleID: eval.RuleID, Detail: reason}, nil

	case DecisionQueue:
		metrics.DispatchSessionsTotal.WithLabelValues("queued").Inc()
		return HandleResult{Decision: DecisionQueue, RuleID: eval.RuleID}, nil
	}

	// 3. Both capacity gates under one lock, before any side effect.
	sess, err := o.admit(item)
	if err != nil {
		metrics.DispatchSessionsTotal.WithLabelValues("refused_capacity").Inc()
		return HandleResult{}, err
	}

	// 4. The session goroutine owns everything from here; the webhook only
	//    gets the acknowledgement.
	o.wg.Add(1)
	go o.runSession(sess, item, eval)

	return HandleResult{Decision: DecisionDispatch, RuleID: eval.RuleID, SessionID: sess.ID}, nil
}

// admit checks the concurrent cap and the sliding-hour cap atomically and
// registers the session only when both pass. A refusal creates nothing.
func (o *Orchestrator) admit(item WorkItem) (*ActiveDispatchSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	o.pruneStampsLocked(now)

	if active := o.activeCountLocked(); active >= o.cfg.MaxConcurrent {
		return nil, fmt.Errorf("%w: %d sessions active (max %d)", ErrCapacity, active, o.cfg.MaxConcurrent)
	}
	if len(o.stamps) >= o.cfg.MaxPerHour {
		return nil, fmt.Errorf("%w: %d dispatches in the last hour (max %d)", ErrCapacity, len(o.stamps), o.cfg.MaxPerHour)
	}

	o.stamps = append(o.stamps, now)
	sess := &ActiveDispatchSession{
		ID:         uuid.NewString(),
		WorkItemID: item.PageID,
		Title:      item.Title,
		StartedAt:  now,
		Status:     StatusRunning,
	}
	o.sessions[sess.ID] = sess
	metrics.ActiveSessions.Inc()
	return sess, nil
}

func (o *Orchestrator) pruneStampsLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := o.stamps[:0]
	for _, ts := range o.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	o.stamps = kept
}

func (o *Orchestrator) activeCountLocked() int {
	n := 0
	for _, s := range o.sessions {
		if s.Status == StatusRunning {
			n++
		}
	}
	return n
}

// runSession is the fire-and-forget body of one dispatch attempt. It runs
// under its own lifetime; the webhook request that triggered it is long
// gone. OS resources (worktree, branch, subprocess) are released on every
// exit path.
func (o *Orchestrator) runSession(sess *ActiveDispatchSession, item WorkItem, eval Evaluation) {
	defer o.wg.Done()
	ctx := context.Background()
	started := time.Now()

	// 1. Workspace.
	ws, err := o.workspaces.Provision(ctx, Slugify(item.Title))
	if err != nil {
		logging.Get(logging.CategoryDispatch).Error("provisioning for %s failed: %v", item.PageID, err)
		o.finish(sess, item, DispatchResult{
			Outcome:    OutcomeError,
			ExitCode:   -1,
			Stderr:     err.Error(),
			DurationMS: time.Since(started).Milliseconds(),
		})
		return
	}
	o.mu.Lock()
	sess.WorkspacePath, sess.BranchName = ws.Path, ws.Branch
	o.mu.Unlock()

	// 2. Bounded non-interactive session, budgets from the rule with config
	//    fallbacks.
	timeout := time.Duration(eval.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = o.cfg.GetDefaultSessionTimeout()
	}
	model := eval.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	turns := eval.MaxTurns
	if turns <= 0 {
		turns = o.cfg.DefaultMaxTurns
	}

	out := o.runner.Run(ctx, SessionSpec{
		Prompt:   eval.Prompt,
		Model:    model,
		MaxTurns: turns,
		Timeout:  timeout,
		Dir:      ws.Path,
	})

	// 3. Fixed output heuristics, then classification.
	files, testsPassed, commit := ParseSessionOutput(out.Stdout)
	result := DispatchResult{
		Outcome:       Classify(out, testsPassed),
		ExitCode:      out.ExitCode,
		Stdout:        out.Stdout,
		Stderr:        out.Stderr,
		FilesChanged:  files,
		TestsPassed:   testsPassed,
		CommitHash:    commit,
		DurationMS:    time.Since(started).Milliseconds(),
		WorkspacePath: ws.Path,
		BranchName:    ws.Branch,
	}

	// 4. Cleanup runs regardless of outcome.
	if err := o.workspaces.Remove(ctx, ws); err != nil {
		logging.Get(logging.CategoryWorkspace).Error("cleanup of %s failed: %v", ws.Path, err)
	}

	o.finish(sess, item, result)
}

// finish records terminal status, schedules grace-period removal, and hands
// the result to the result loop.
func (o *Orchestrator) finish(sess *ActiveDispatchSession, item WorkItem, result DispatchResult) {
	o.mu.Lock()
	sess.Status = statusForOutcome(result.Outcome)
	o.mu.Unlock()
	metrics.ActiveSessions.Dec()

	time.AfterFunc(o.cfg.GetGracePeriod(), func() {
		o.mu.Lock()
		delete(o.sessions, sess.ID)
		o.mu.Unlock()
	})

	o.results <- resultEvent{item: item, result: result}
}

func statusForOutcome(out Outcome) SessionStatus {
	switch out {
	case OutcomeSuccess:
		return StatusCompleted
	case OutcomeTimeout:
		return StatusTimedOut
	default:
		return StatusFailed
	}
}

// resultLoop owns outcome fan-out so session goroutines never block on a
// slow notifier.
func (o *Orchestrator) resultLoop() {
	defer close(o.loopDone)
	for ev := range o.results {
		metrics.DispatchSessionsTotal.WithLabelValues(metricOutcome(ev.result.Outcome)).Inc()
		o.notifier.DispatchCompleted(context.Background(), ev.item, ev.result)
	}
}

func metricOutcome(out Outcome) string {
	if out == OutcomeTestsFailed {
		return "tests_failed"
	}
	return string(out)
}

// Stats is the statistics endpoint snapshot.
type Stats struct {
	Active        int                     `json:"active"`
	HourlyCount   int                     `json:"hourlyCount"`
	MaxConcurrent int                     `json:"maxConcurrent"`
	MaxPerHour    int                     `json:"maxPerHour"`
	RuleCount     int                     `json:"ruleCount"`
	Sessions      []ActiveDispatchSession `json:"sessions"`
}

// Stats snapshots current activity: running sessions plus terminal ones
// still inside the grace period, newest first.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneStampsLocked(time.Now())

	sessions := make([]ActiveDispatchSession, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.After(sessions[j].StartedAt) })

	return Stats{
		Active:        o.activeCountLocked(),
		HourlyCount:   len(o.stamps),
		MaxConcurrent: o.cfg.MaxConcurrent,
		MaxPerHour:    o.cfg.MaxPerHour,
		RuleCount:     o.rules.Len(),
		Sessions:      sessions,
	}
}

// Stop waits for in-flight sessions to finish and drains the result loop.
// Call it after the HTTP surface has stopped accepting work.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.wg.Wait()
		close(o.results)
		<-o.loopDone
	})
}
