package tooldispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agentbridge/internal/bridge"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDispatch_ResolvedByResponse(t *testing.T) {
	c := New(5*time.Second, func(v interface{}) int { return 1 })

	go func() {
		// Wait for the entry to appear, then answer.
		for c.PendingCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		ok := c.Resolve(bridge.ToolResponse{ID: "req-1", Result: json.RawMessage(`{"ok":true}`)})
		assert.True(t, ok)
	}()

	resp, err := c.Dispatch(context.Background(), bridge.ToolRequest{ID: "req-1", Name: "page_snapshot"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
	assert.Equal(t, 0, c.PendingCount(), "resolved entries must leave the table")
}

func TestDispatch_ResponseDuringForwardStillLands(t *testing.T) {
	// Registration happens before forwarding, so an executor that answers
	// synchronously cannot miss the table.
	var c *Correlator
	c = New(5*time.Second, func(v interface{}) int {
		frame := v.(dispatchFrame)
		assert.Equal(t, "tool_dispatch", frame.Type)
		require.True(t, c.Resolve(bridge.ToolResponse{ID: frame.ID, Result: json.RawMessage(`"done"`)}))
		return 1
	})

	resp, err := c.Dispatch(context.Background(), bridge.ToolRequest{ID: "fast", Name: "browser_action"})
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(resp.Result))
}

func TestDispatch_TimesOutExactlyOnce(t *testing.T) {
	c := New(30*time.Millisecond, func(v interface{}) int { return 1 })

	_, err := c.Dispatch(context.Background(), bridge.ToolRequest{ID: "slow", Name: "browser_action"})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, c.PendingCount())

	// A late response after the timeout is an unknown id, not a second
	// resolution.
	assert.False(t, c.Resolve(bridge.ToolResponse{ID: "slow", Result: json.RawMessage(`{}`)}))
}

func TestDispatch_NoExecutorFailsFast(t *testing.T) {
	forwarded := 0
	c := New(5*time.Second, func(v interface{}) int {
		forwarded++
		return 0
	})

	start := time.Now()
	_, err := c.Dispatch(context.Background(), bridge.ToolRequest{ID: "orphan", Name: "page_snapshot"})
	require.ErrorIs(t, err, ErrNoExecutor)
	assert.Less(t, time.Since(start), time.Second, "must not wait out the timeout")
	assert.Equal(t, 1, forwarded)
	assert.Equal(t, 0, c.PendingCount())
}

func TestDispatch_DuplicateIDRejected(t *testing.T) {
	c := New(5*time.Second, func(v interface{}) int { return 1 })

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(context.Background(), bridge.ToolRequest{ID: "dup", Name: "a"})
		firstDone <- err
	}()
	for c.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	_, err := c.Dispatch(context.Background(), bridge.ToolRequest{ID: "dup", Name: "b"})
	require.ErrorIs(t, err, ErrDuplicateID)

	require.True(t, c.Resolve(bridge.ToolResponse{ID: "dup"}))
	require.NoError(t, <-firstDone, "rejecting the duplicate must not disturb the original")
}

func TestResolve_UnknownIDDropped(t *testing.T) {
	c := New(5*time.Second, func(v interface{}) int { return 1 })
	assert.False(t, c.Resolve(bridge.ToolResponse{ID: "never-dispatched"}))
}

func TestDispatch_ContextCancellation(t *testing.T) {
	c := New(5*time.Second, func(v interface{}) int { return 1 })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(ctx, bridge.ToolRequest{ID: "cancelled", Name: "a"})
		errCh <- err
	}()
	for c.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, c.PendingCount())
	assert.False(t, c.Resolve(bridge.ToolResponse{ID: "cancelled"}))
}

func TestDispatch_AssignsIDWhenEmpty(t *testing.T) {
	var c *Correlator
	c = New(5*time.Second, func(v interface{}) int {
		frame := v.(dispatchFrame)
		assert.NotEmpty(t, frame.ID)
		require.True(t, c.Resolve(bridge.ToolResponse{ID: frame.ID}))
		return 1
	})

	_, err := c.Dispatch(context.Background(), bridge.ToolRequest{Name: "page_snapshot"})
	require.NoError(t, err)
}

func TestDispatch_ConcurrentRequestsResolveIndependently(t *testing.T) {
	const n = 16

	ids := make(chan string, n)
	c := New(5*time.Second, func(v interface{}) int {
		ids <- v.(dispatchFrame).ID
		return 1
	})

	go func() {
		var resolver sync.WaitGroup
		for i := 0; i < n; i++ {
			id := <-ids
			resolver.Add(1)
			go func() {
				defer resolver.Done()
				c.Resolve(bridge.ToolResponse{ID: id, Result: json.RawMessage(fmt.Sprintf("%q", id))})
			}()
		}
		resolver.Wait()
	}()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-%d", i)
			resp, err := c.Dispatch(context.Background(), bridge.ToolRequest{ID: id, Name: "t"})
			if err == nil && string(resp.Result) != fmt.Sprintf("%q", id) {
				err = fmt.Errorf("response %s crossed wires: %s", id, resp.Result)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestDispatch_TimeoutAndResolveNeverBothWin(t *testing.T) {
	// Race the timer against a response landing at roughly the same moment.
	// Whichever takes the entry first is the single resolution.
	for i := 0; i < 20; i++ {
		c := New(5*time.Millisecond, func(v interface{}) int { return 1 })

		resolved := make(chan bool, 1)
		go func() {
			time.Sleep(5 * time.Millisecond)
			resolved <- c.Resolve(bridge.ToolResponse{ID: "race", Result: json.RawMessage(`{}`)})
		}()

		_, err := c.Dispatch(context.Background(), bridge.ToolRequest{ID: "race", Name: "t"})
		if <-resolved {
			assert.NoError(t, err, "a delivered response must be the one resolution")
		} else {
			assert.ErrorIs(t, err, ErrTimeout)
		}
		assert.Equal(t, 0, c.PendingCount())
	}
}
