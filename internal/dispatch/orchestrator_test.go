package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbridge/internal/config"
)

// mockWorkspaces satisfies WorkspaceProvisioner without touching git.
type mockWorkspaces struct {
	ProvisionFunc func(ctx context.Context, slug string) (*Workspace, error)
	RemoveFunc    func(ctx context.Context, ws *Workspace) error

	mu         sync.Mutex
	provisions int
	removals   int
}

func (m *mockWorkspaces) Provision(ctx context.Context, slug string) (*Workspace, error) {
	m.mu.Lock()
	m.provisions++
	m.mu.Unlock()
	if m.ProvisionFunc != nil {
		return m.ProvisionFunc(ctx, slug)
	}
	return &Workspace{Path: "/workspaces/" + slug, Branch: "dispatch/" + slug}, nil
}

func (m *mockWorkspaces) Remove(ctx context.Context, ws *Workspace) error {
	m.mu.Lock()
	m.removals++
	m.mu.Unlock()
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, ws)
	}
	return nil
}

func (m *mockWorkspaces) counts() (provisions, removals int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provisions, m.removals
}

// mockRunner satisfies Runner and records every spec it was handed.
type mockRunner struct {
	RunFunc func(ctx context.Context, spec SessionSpec) SessionOutput

	mu    sync.Mutex
	specs []SessionSpec
}

func (m *mockRunner) Run(ctx context.Context, spec SessionSpec) SessionOutput {
	m.mu.Lock()
	m.specs = append(m.specs, spec)
	m.mu.Unlock()
	if m.RunFunc != nil {
		return m.RunFunc(ctx, spec)
	}
	return SessionOutput{ExitCode: 0}
}

func (m *mockRunner) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.specs)
}

func (m *mockRunner) lastSpec() SessionSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.specs[len(m.specs)-1]
}

// mockNotifier records notifications and signals completions so tests can
// wait out the asynchronous session goroutine.
type mockNotifier struct {
	mu          sync.Mutex
	escalations []string
	completions []DispatchResult
	arrived     chan struct{}
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{arrived: make(chan struct{}, 16)}
}

func (m *mockNotifier) DispatchCompleted(_ context.Context, _ WorkItem, result DispatchResult) {
	m.mu.Lock()
	m.completions = append(m.completions, result)
	m.mu.Unlock()
	m.arrived <- struct{}{}
}

func (m *mockNotifier) Escalated(_ context.Context, _ WorkItem, reason string) {
	m.mu.Lock()
	m.escalations = append(m.escalations, reason)
	m.mu.Unlock()
}

func (m *mockNotifier) waitForResult(t *testing.T) DispatchResult {
	t.Helper()
	select {
	case <-m.arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("no dispatch result arrived")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completions[len(m.completions)-1]
}

func (m *mockNotifier) escalationReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.escalations...)
}

func testOrchestrator(t *testing.T, cfg config.DispatchConfig, ws *mockWorkspaces, runner *mockRunner, n *mockNotifier) *Orchestrator {
	t.Helper()
	o := New(cfg, NewRuleTable(DefaultRules(cfg)), ws, runner, n)
	t.Cleanup(o.Stop)
	return o
}

func TestHandle_DisabledShortCircuits(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.Disabled = true
	ws := &mockWorkspaces{}
	n := newMockNotifier()
	o := testOrchestrator(t, cfg, ws, &mockRunner{}, n)

	_, err := o.Handle(context.Background(), validItem())

	assert.ErrorIs(t, err, ErrDisabled)
	provisions, _ := ws.counts()
	assert.Zero(t, provisions)
	assert.Empty(t, n.escalationReasons())
}

func TestHandle_P0EscalatesBeforeAnyDispatchRule(t *testing.T) {
	ws := &mockWorkspaces{}
	n := newMockNotifier()
	o := testOrchestrator(t, testDispatchConfig(), ws, &mockRunner{}, n)

	item := validItem()
	item.Priority = "P0" // otherwise a perfect core-build match
	res, err := o.Handle(context.Background(), item)

	require.NoError(t, err)
	assert.Equal(t, DecisionEscalate, res.Decision)
	assert.Equal(t, "p0-escalate", res.RuleID)
	assert.Empty(t, res.SessionID)

	reasons := n.escalationReasons()
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "p0-escalate")

	provisions, _ := ws.counts()
	assert.Zero(t, provisions)
}

func TestHandle_UnmatchedItemEscalatesWithDefaultReason(t *testing.T) {
	n := newMockNotifier()
	o := testOrchestrator(t, testDispatchConfig(), &mockWorkspaces{}, &mockRunner{}, n)

	item := validItem()
	item.Type = "Research" // no rule covers this type
	res, err := o.Handle(context.Background(), item)

	require.NoError(t, err)
	assert.Equal(t, DecisionEscalate, res.Decision)
	assert.Equal(t, DefaultRuleID, res.RuleID)
	assert.Equal(t, "no dispatch rule matched", res.Detail)

	reasons := n.escalationReasons()
	require.Len(t, reasons, 1)
	assert.Equal(t, "no dispatch rule matched", reasons[0])
}

func TestHandle_ContentQueuesWithoutSession(t *testing.T) {
	ws := &mockWorkspaces{}
	runner := &mockRunner{}
	n := newMockNotifier()
	o := testOrchestrator(t, testDispatchConfig(), ws, runner, n)

	item := validItem()
	item.Type = "Content"
	res, err := o.Handle(context.Background(), item)

	require.NoError(t, err)
	assert.Equal(t, DecisionQueue, res.Decision)
	assert.Equal(t, "content-queue", res.RuleID)
	assert.Empty(t, res.SessionID)

	provisions, _ := ws.counts()
	assert.Zero(t, provisions)
	assert.Zero(t, runner.calls())
	assert.Empty(t, n.escalationReasons())
}

func TestHandle_DispatchRunsSessionToCompletion(t *testing.T) {
	ws := &mockWorkspaces{}
	runner := &mockRunner{
		RunFunc: func(ctx context.Context, spec SessionSpec) SessionOutput {
			return SessionOutput{
				Stdout: "Edited: internal/fetch/retry.go\n" +
					"Created: internal/fetch/retry_test.go\n" +
					"all 12 tests pass\n" +
					"commit 4f9c2ab1\n",
				ExitCode: 0,
				Duration: 250 * time.Millisecond,
			}
		},
	}
	n := newMockNotifier()
	o := testOrchestrator(t, testDispatchConfig(), ws, runner, n)

	res, err := o.Handle(context.Background(), validItem())
	require.NoError(t, err)
	assert.Equal(t, DecisionDispatch, res.Decision)
	assert.Equal(t, "core-build", res.RuleID)
	require.NotEmpty(t, res.SessionID)

	result := n.waitForResult(t)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, []string{"internal/fetch/retry.go", "internal/fetch/retry_test.go"}, result.FilesChanged)
	assert.True(t, result.TestsPassed)
	assert.Equal(t, "4f9c2ab1", result.CommitHash)
	assert.Equal(t, 0, result.ExitCode)
	assert.NotEmpty(t, result.WorkspacePath)
	assert.NotEmpty(t, result.BranchName)

	provisions, removals := ws.counts()
	assert.Equal(t, 1, provisions)
	assert.Equal(t, 1, removals, "workspace must be removed once the session ends")

	stats := o.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.HourlyCount)
	require.Len(t, stats.Sessions, 1)
	assert.Equal(t, StatusCompleted, stats.Sessions[0].Status)
	assert.Equal(t, res.SessionID, stats.Sessions[0].ID)
}

func TestHandle_SessionSpecCarriesBudgetsAndWorkspace(t *testing.T) {
	cfg := testDispatchConfig()
	runner := &mockRunner{}
	n := newMockNotifier()
	o := testOrchestrator(t, cfg, &mockWorkspaces{}, runner, n)

	_, err := o.Handle(context.Background(), validItem())
	require.NoError(t, err)
	n.waitForResult(t)

	require.Equal(t, 1, runner.calls())
	spec := runner.lastSpec()
	assert.Equal(t, cfg.DefaultModel, spec.Model)
	assert.Equal(t, cfg.DefaultMaxTurns, spec.MaxTurns)
	assert.Equal(t, time.Duration(cfg.DefaultTimeoutSeconds)*time.Second, spec.Timeout)
	assert.Equal(t, "/workspaces/add-retry-to-fetcher", spec.Dir)
	assert.Contains(t, spec.Prompt, "page-123")
	assert.Contains(t, spec.Prompt, "Core pillar")
}

func TestHandle_ConcurrentCapRefusesWithoutSideEffects(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.MaxConcurrent = 1
	cfg.MaxPerHour = 10

	release := make(chan struct{})
	var once sync.Once
	releaseOnce := func() { once.Do(func() { close(release) }) }
	t.Cleanup(releaseOnce)

	ws := &mockWorkspaces{}
	runner := &mockRunner{
		RunFunc: func(ctx context.Context, spec SessionSpec) SessionOutput {
			<-release
			return SessionOutput{ExitCode: 0, Stdout: "pass"}
		},
	}
	n := newMockNotifier()
	o := testOrchestrator(t, cfg, ws, runner, n)

	first, err := o.Handle(context.Background(), validItem())
	require.NoError(t, err)
	require.Equal(t, DecisionDispatch, first.Decision)

	second := validItem()
	second.PageID = "page-456"
	_, err = o.Handle(context.Background(), second)
	require.ErrorIs(t, err, ErrCapacity)
	assert.Contains(t, err.Error(), "sessions active")

	releaseOnce()
	n.waitForResult(t)

	provisions, removals := ws.counts()
	assert.Equal(t, 1, provisions, "refusal must not provision a workspace")
	assert.Equal(t, 1, removals)
	assert.Equal(t, 1, o.Stats().HourlyCount, "refusal must not consume hourly budget")
}

func TestHandle_HourlyCapRefusesEvenWhenIdle(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.MaxConcurrent = 10
	cfg.MaxPerHour = 1

	ws := &mockWorkspaces{}
	n := newMockNotifier()
	o := testOrchestrator(t, cfg, ws, &mockRunner{}, n)

	_, err := o.Handle(context.Background(), validItem())
	require.NoError(t, err)
	n.waitForResult(t) // first session fully finished, nothing active

	next := validItem()
	next.PageID = "page-456"
	_, err = o.Handle(context.Background(), next)
	require.ErrorIs(t, err, ErrCapacity)
	assert.Contains(t, err.Error(), "last hour")

	assert.Equal(t, 0, o.Stats().Active)
	provisions, _ := ws.counts()
	assert.Equal(t, 1, provisions)
}

func TestHandle_ProvisioningFailureIsAnErrorOutcome(t *testing.T) {
	ws := &mockWorkspaces{
		ProvisionFunc: func(ctx context.Context, slug string) (*Workspace, error) {
			return nil, errors.New("worktree add: disk full")
		},
	}
	runner := &mockRunner{}
	n := newMockNotifier()
	o := testOrchestrator(t, testDispatchConfig(), ws, runner, n)

	_, err := o.Handle(context.Background(), validItem())
	require.NoError(t, err)

	result := n.waitForResult(t)
	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, -1, result.ExitCode)
	assert.Contains(t, result.Stderr, "disk full")

	assert.Zero(t, runner.calls(), "session must not run without a workspace")
	_, removals := ws.counts()
	assert.Zero(t, removals, "nothing to remove when provisioning failed")

	stats := o.Stats()
	require.Len(t, stats.Sessions, 1)
	assert.Equal(t, StatusFailed, stats.Sessions[0].Status)
}

func TestHandle_TimedOutSessionMarksStatus(t *testing.T) {
	runner := &mockRunner{
		RunFunc: func(ctx context.Context, spec SessionSpec) SessionOutput {
			return SessionOutput{TimedOut: true, ExitCode: -1, Stdout: "partial transcript"}
		},
	}
	n := newMockNotifier()
	o := testOrchestrator(t, testDispatchConfig(), &mockWorkspaces{}, runner, n)

	_, err := o.Handle(context.Background(), validItem())
	require.NoError(t, err)

	result := n.waitForResult(t)
	assert.Equal(t, OutcomeTimeout, result.Outcome)

	stats := o.Stats()
	require.Len(t, stats.Sessions, 1)
	assert.Equal(t, StatusTimedOut, stats.Sessions[0].Status)
}

func TestHandle_CleanExitWithoutPassIsTestsFailed(t *testing.T) {
	runner := &mockRunner{
		RunFunc: func(ctx context.Context, spec SessionSpec) SessionOutput {
			return SessionOutput{ExitCode: 0, Stdout: "Edited: a.go\n2 tests fail\ncommit abc1234"}
		},
	}
	n := newMockNotifier()
	o := testOrchestrator(t, testDispatchConfig(), &mockWorkspaces{}, runner, n)

	_, err := o.Handle(context.Background(), validItem())
	require.NoError(t, err)

	result := n.waitForResult(t)
	assert.Equal(t, OutcomeTestsFailed, result.Outcome)
	assert.False(t, result.TestsPassed)
	assert.Equal(t, []string{"a.go"}, result.FilesChanged)
	assert.Equal(t, "abc1234", result.CommitHash, "commit is still reported when tests fail")
}

func TestFinishedSessionExpiresAfterGracePeriod(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.GracePeriod = "30ms"
	n := newMockNotifier()
	o := testOrchestrator(t, cfg, &mockWorkspaces{}, &mockRunner{}, n)

	_, err := o.Handle(context.Background(), validItem())
	require.NoError(t, err)
	n.waitForResult(t)

	deadline := time.Now().Add(5 * time.Second)
	for len(o.Stats().Sessions) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("terminal session never left the stats window")
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, o.Stats().HourlyCount, "hourly budget outlives the stats entry")
}

func TestStats_NewestSessionFirst(t *testing.T) {
	n := newMockNotifier()
	o := testOrchestrator(t, testDispatchConfig(), &mockWorkspaces{}, &mockRunner{}, n)

	_, err := o.Handle(context.Background(), validItem())
	require.NoError(t, err)
	n.waitForResult(t)

	second := validItem()
	second.PageID = "page-456"
	second.Title = "Harden webhook validation"
	_, err = o.Handle(context.Background(), second)
	require.NoError(t, err)
	n.waitForResult(t)

	stats := o.Stats()
	require.Len(t, stats.Sessions, 2)
	assert.Equal(t, "page-456", stats.Sessions[0].WorkItemID)
	assert.Equal(t, "page-123", stats.Sessions[1].WorkItemID)
}

func TestStop_IsIdempotent(t *testing.T) {
	o := testOrchestrator(t, testDispatchConfig(), &mockWorkspaces{}, &mockRunner{}, newMockNotifier())
	o.Stop()
	o.Stop()
}
