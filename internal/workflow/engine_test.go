package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamio/transcoder/internal/metadata"
)

// fakeInvoker resolves each profile with a scripted delay and outcome, and
// records every invocation it saw.
type fakeInvoker struct {
	mu       sync.Mutex
	delays   map[string]time.Duration
	failures map[string]error
	calls    []InvokeInput
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		delays:   make(map[string]time.Duration),
		failures: make(map[string]error),
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, in InvokeInput) (*InvokeOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	delay := f.delays[in.Profile]
	failure := f.failures[in.Profile]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	return &InvokeOutput{OutputKey: "renditions/" + in.Profile + "/" + in.ObjectKey}, nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitForTerminal(t *testing.T, e *Engine, executionID string) *Execution {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		exec, err := e.Describe(executionID)
		require.NoError(t, err)
		if exec.State != ExecutionRunning {
			return exec
		}
		select {
		case <-deadline:
			t.Fatalf("execution %s did not reach a terminal state", executionID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEngine_BothBranchesSucceed(t *testing.T) {
	invoker := newFakeInvoker()
	store := metadata.NewMemoryStore()
	e := NewEngine(&Config{
		Invoker:          invoker,
		Metadata:         store,
		BranchTimeout:    200 * time.Millisecond,
		ExecutionTimeout: 500 * time.Millisecond,
	})

	id, err := e.Start(context.Background(), Input{ObjectKey: "videos/a.mp4"})
	require.NoError(t, err)

	exec := waitForTerminal(t, e, id)
	assert.Equal(t, ExecutionSucceeded, exec.State)
	require.Len(t, exec.Branches, 2)
	for _, b := range exec.Branches {
		assert.Equal(t, BranchSucceeded, b.State)
		assert.NotEmpty(t, b.OutputKey)
	}
	assert.Equal(t, 2, invoker.callCount(), "each branch invokes the worker once")

	rec, err := store.Get(context.Background(), "videos/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusDone, rec.Status)
}

func TestEngine_OneBranchFailureFailsExecution(t *testing.T) {
	// One branch throws immediately, the other succeeds well within the
	// execution timeout; the failure still forces FAILED.
	invoker := newFakeInvoker()
	invoker.failures["h264-1080p"] = errors.New("codec exploded")
	invoker.delays["h264-720p"] = 40 * time.Millisecond

	store := metadata.NewMemoryStore()
	e := NewEngine(&Config{
		Invoker:          invoker,
		Metadata:         store,
		BranchTimeout:    200 * time.Millisecond,
		ExecutionTimeout: 500 * time.Millisecond,
	})

	id, err := e.Start(context.Background(), Input{ObjectKey: "videos/b.mp4"})
	require.NoError(t, err)

	exec := waitForTerminal(t, e, id)
	assert.Equal(t, ExecutionFailed, exec.State)

	var failed, succeeded int
	for _, b := range exec.Branches {
		switch b.State {
		case BranchFailed:
			failed++
			assert.Contains(t, b.Error, "codec exploded")
		case BranchSucceeded:
			succeeded++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, succeeded, "the sibling is not cancelled and runs to completion")

	rec, err := store.Get(context.Background(), "videos/b.mp4")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusError, rec.Status)
}

func TestEngine_ExecutionTimeoutAbandonsBranches(t *testing.T) {
	// Both branches would finish inside their own branch timeout, but the
	// execution-level bound is shorter and wins.
	invoker := newFakeInvoker()
	invoker.delays["h264-1080p"] = 300 * time.Millisecond
	invoker.delays["h264-720p"] = 300 * time.Millisecond

	store := metadata.NewMemoryStore()
	e := NewEngine(&Config{
		Invoker:          invoker,
		Metadata:         store,
		BranchTimeout:    time.Second,
		ExecutionTimeout: 50 * time.Millisecond,
	})

	id, err := e.Start(context.Background(), Input{ObjectKey: "videos/slow.mp4"})
	require.NoError(t, err)

	exec := waitForTerminal(t, e, id)
	assert.Equal(t, ExecutionTimedOut, exec.State)
	for _, b := range exec.Branches {
		assert.Equal(t, BranchRunning, b.State, "abandoned branches keep their RUNNING state")
	}

	// A late branch completion must not flip the terminal state.
	time.Sleep(350 * time.Millisecond)
	exec, err = e.Describe(id)
	require.NoError(t, err)
	assert.Equal(t, ExecutionTimedOut, exec.State)

	rec, err := store.Get(context.Background(), "videos/slow.mp4")
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusError, rec.Status)
}

func TestEngine_BranchTimeoutFailsBranch(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.delays["h264-1080p"] = 200 * time.Millisecond

	e := NewEngine(&Config{
		Invoker:          invoker,
		Metadata:         metadata.NewMemoryStore(),
		BranchTimeout:    30 * time.Millisecond,
		ExecutionTimeout: 500 * time.Millisecond,
	})

	id, err := e.Start(context.Background(), Input{ObjectKey: "videos/c.mp4"})
	require.NoError(t, err)

	exec := waitForTerminal(t, e, id)
	assert.Equal(t, ExecutionFailed, exec.State)

	var sawTimeout bool
	for _, b := range exec.Branches {
		if b.Spec.Profile == "h264-1080p" {
			assert.Equal(t, BranchFailed, b.State)
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)
}

func TestEngine_StartValidation(t *testing.T) {
	e := NewEngine(&Config{Invoker: newFakeInvoker()})

	_, err := e.Start(context.Background(), Input{})
	require.Error(t, err)
}

func TestEngine_StoppedEngineRejectsStarts(t *testing.T) {
	e := NewEngine(&Config{Invoker: newFakeInvoker()})
	e.Stop()

	_, err := e.Start(context.Background(), Input{ObjectKey: "videos/d.mp4"})
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_DescribeAndList(t *testing.T) {
	invoker := newFakeInvoker()
	e := NewEngine(&Config{
		Invoker:          invoker,
		Metadata:         metadata.NewMemoryStore(),
		BranchTimeout:    100 * time.Millisecond,
		ExecutionTimeout: 300 * time.Millisecond,
	})

	_, err := e.Describe("no-such-id")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := e.Start(context.Background(), Input{ObjectKey: fmt.Sprintf("videos/%d.mp4", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitForTerminal(t, e, id)
	}

	list := e.List()
	assert.Len(t, list, 3, "terminal executions stay listed for inspection")
}

func TestEngine_HistoryLimitEvictsOldestTerminal(t *testing.T) {
	invoker := newFakeInvoker()
	e := NewEngine(&Config{
		Invoker:          invoker,
		Metadata:         metadata.NewMemoryStore(),
		BranchTimeout:    100 * time.Millisecond,
		ExecutionTimeout: 300 * time.Millisecond,
		HistoryLimit:     2,
	})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := e.Start(context.Background(), Input{ObjectKey: fmt.Sprintf("videos/%d.mp4", i)})
		require.NoError(t, err)
		waitForTerminal(t, e, id)
		ids = append(ids, id)
	}

	// The fourth start pushes the history past its cap; the oldest terminal
	// execution goes, the newer ones stay.
	id, err := e.Start(context.Background(), Input{ObjectKey: "videos/3.mp4"})
	require.NoError(t, err)
	waitForTerminal(t, e, id)

	assert.LessOrEqual(t, len(e.List()), 2+1, "history stays bounded")

	_, err = e.Describe(ids[0])
	assert.ErrorIs(t, err, ErrExecutionNotFound, "the oldest terminal execution is evicted")

	exec, err := e.Describe(id)
	require.NoError(t, err)
	assert.NotEqual(t, ExecutionRunning, exec.State)
}
