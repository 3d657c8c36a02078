package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamio/transcoder/internal/metadata"
)

// Default reference timeouts. The execution timeout is deliberately shorter
// than twice the branch timeout, making the execution-level bound the
// binding constraint on the join.
const (
	DefaultBranchTimeout    = 10 * time.Second
	DefaultExecutionTimeout = 5 * time.Second
)

// DefaultHistoryLimit bounds how many executions the engine retains.
// Running executions are never evicted; the oldest terminal ones go first.
const DefaultHistoryLimit = 1000

// ErrEngineStopped is returned by Start once the engine is shut down. The
// dispatcher treats it like any failed start: the message is not
// acknowledged and redelivers.
var ErrEngineStopped = errors.New("workflow engine is stopped")

// ErrExecutionNotFound is returned by Describe for unknown execution IDs.
var ErrExecutionNotFound = errors.New("execution not found")

// Config holds engine dependencies and policy.
type Config struct {
	Logger           *slog.Logger
	Invoker          Invoker
	Metadata         metadata.Store
	Branches         []BranchSpec
	BranchTimeout    time.Duration
	ExecutionTimeout time.Duration

	// HistoryLimit caps retained executions; zero means DefaultHistoryLimit.
	HistoryLimit int
}

// Engine runs one state-machine instance per job: all branches in
// parallel, joined under the execution-level timeout. A failed or timed-out
// execution is terminal; the engine never retries it, recovery is an
// external re-drive.
type Engine struct {
	logger           *slog.Logger
	invoker          Invoker
	meta             metadata.Store
	branches         []BranchSpec
	branchTimeout    time.Duration
	executionTimeout time.Duration
	historyLimit     int

	mu         sync.RWMutex
	executions map[string]*Execution
	order      []string // execution IDs in start order, for eviction
	stopped    bool
	wg         sync.WaitGroup
}

// NewEngine creates an engine. Zero timeouts and an empty branch list fall
// back to the reference configuration.
func NewEngine(cfg *Config) *Engine {
	branches := cfg.Branches
	if len(branches) == 0 {
		branches = DefaultBranches()
	}
	branchTimeout := cfg.BranchTimeout
	if branchTimeout <= 0 {
		branchTimeout = DefaultBranchTimeout
	}
	executionTimeout := cfg.ExecutionTimeout
	if executionTimeout <= 0 {
		executionTimeout = DefaultExecutionTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	return &Engine{
		logger:           logger,
		invoker:          cfg.Invoker,
		meta:             cfg.Metadata,
		branches:         branches,
		branchTimeout:    branchTimeout,
		executionTimeout: executionTimeout,
		historyLimit:     historyLimit,
		executions:       make(map[string]*Execution),
	}
}

// Start registers a new execution and launches its branches. It returns as
// soon as the execution is accepted; completion is observed through
// Describe/List, not through the start call.
func (e *Engine) Start(ctx context.Context, in Input) (string, error) {
	if in.ObjectKey == "" {
		return "", fmt.Errorf("execution input: object key is required")
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", ErrEngineStopped
	}

	exec := &Execution{
		ID:        uuid.New().String(),
		ObjectKey: in.ObjectKey,
		State:     ExecutionRunning,
		StartedAt: time.Now(),
		Branches:  make([]Branch, len(e.branches)),
	}
	for i, spec := range e.branches {
		exec.Branches[i] = Branch{Spec: spec, State: BranchPending}
	}
	e.executions[exec.ID] = exec
	e.order = append(e.order, exec.ID)
	e.evictLocked()
	e.wg.Add(1)
	e.mu.Unlock()

	if e.meta != nil {
		if err := e.meta.Upsert(ctx, in.ObjectKey, metadata.StatusProcessing); err != nil {
			e.logger.Warn("Failed to mark object as processing",
				slog.String("object_key", in.ObjectKey),
				slog.String("error", err.Error()),
			)
		}
	}

	e.logger.Info("Execution started",
		slog.String("execution_id", exec.ID),
		slog.String("object_key", in.ObjectKey),
		slog.Int("branches", len(e.branches)),
	)

	go e.run(exec.ID, in)

	return exec.ID, nil
}

type branchResult struct {
	index  int
	output *InvokeOutput
	err    error
}

// run drives one execution to a terminal state. The execution is detached
// from the start call's context: a crashed dispatcher does not abort jobs
// already started.
func (e *Engine) run(executionID string, in Input) {
	defer e.wg.Done()

	results := make(chan branchResult, len(e.branches))
	for i, spec := range e.branches {
		e.setBranchState(executionID, i, BranchRunning)
		go e.runBranch(executionID, i, spec, in, results)
	}

	timer := time.NewTimer(e.executionTimeout)
	defer timer.Stop()

	failed := false
	for resolved := 0; resolved < len(e.branches); resolved++ {
		select {
		case r := <-results:
			e.recordBranchResult(executionID, r)
			if r.err != nil {
				failed = true
			}
		case <-timer.C:
			// Branches still in flight are abandoned, not interrupted;
			// late results are dropped.
			e.finish(executionID, in.ObjectKey, ExecutionTimedOut)
			return
		}
	}

	if failed {
		e.finish(executionID, in.ObjectKey, ExecutionFailed)
		return
	}
	e.finish(executionID, in.ObjectKey, ExecutionSucceeded)
}

// runBranch invokes the worker under the per-branch timeout. Branches do
// not communicate: a failure here never cancels a sibling.
func (e *Engine) runBranch(executionID string, index int, spec BranchSpec, in Input, results chan<- branchResult) {
	ctx, cancel := context.WithTimeout(context.Background(), e.branchTimeout)
	defer cancel()

	out, err := e.invoker.Invoke(ctx, InvokeInput{
		ObjectKey: in.ObjectKey,
		Profile:   spec.Profile,
	})
	if err == nil && ctx.Err() != nil {
		// A result that arrives after the branch deadline is stale, not a
		// success.
		err = fmt.Errorf("branch %q timed out: %w", spec.Name, ctx.Err())
		out = nil
	}

	results <- branchResult{index: index, output: out, err: err}
}

func (e *Engine) recordBranchResult(executionID string, r branchResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.executions[executionID]
	if !ok {
		return
	}

	branch := &exec.Branches[r.index]
	branch.FinishedAt = time.Now()
	if r.err != nil {
		branch.State = BranchFailed
		branch.Error = r.err.Error()
		e.logger.Warn("Branch failed",
			slog.String("execution_id", executionID),
			slog.String("branch", branch.Spec.Name),
			slog.String("error", r.err.Error()),
		)
		return
	}

	branch.State = BranchSucceeded
	if r.output != nil {
		branch.OutputKey = r.output.OutputKey
	}
	e.logger.Info("Branch succeeded",
		slog.String("execution_id", executionID),
		slog.String("branch", branch.Spec.Name),
		slog.String("output_key", branch.OutputKey),
	)
}

// finish moves the execution to its terminal state and runs the metadata
// completion hook.
func (e *Engine) finish(executionID, objectKey, state string) {
	e.mu.Lock()
	if exec, ok := e.executions[executionID]; ok && exec.State == ExecutionRunning {
		exec.State = state
		exec.FinishedAt = time.Now()
	}
	e.mu.Unlock()

	status := metadata.StatusDone
	if state != ExecutionSucceeded {
		status = metadata.StatusError
	}
	if e.meta != nil {
		if err := e.meta.Upsert(context.Background(), objectKey, status); err != nil {
			e.logger.Error("Failed to record terminal job status",
				slog.String("execution_id", executionID),
				slog.String("object_key", objectKey),
				slog.String("error", err.Error()),
			)
		}
	}

	e.logger.Info("Execution finished",
		slog.String("execution_id", executionID),
		slog.String("object_key", objectKey),
		slog.String("state", state),
	)
}

// evictLocked drops the oldest terminal executions once the history limit
// is exceeded. Running executions are never evicted. Caller holds e.mu.
func (e *Engine) evictLocked() {
	if len(e.executions) <= e.historyLimit {
		return
	}

	kept := e.order[:0]
	for _, id := range e.order {
		exec, ok := e.executions[id]
		if !ok {
			continue
		}
		if len(e.executions) > e.historyLimit && exec.State != ExecutionRunning {
			delete(e.executions, id)
			e.logger.Debug("Evicted terminal execution from history",
				slog.String("execution_id", id),
				slog.String("state", exec.State),
			)
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

func (e *Engine) setBranchState(executionID string, index int, state string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if exec, ok := e.executions[executionID]; ok {
		exec.Branches[index].State = state
	}
}

// Describe returns a snapshot of one execution.
func (e *Engine) Describe(executionID string) (*Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	exec, ok := e.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return snapshot(exec), nil
}

// List returns snapshots of all known executions, newest first. Terminal
// executions stay listed so operators can inspect failed jobs.
func (e *Engine) List() []*Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		out = append(out, snapshot(exec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Stop rejects new starts and waits for in-flight executions to resolve.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("Workflow engine stopped")
}

func snapshot(exec *Execution) *Execution {
	cp := *exec
	cp.Branches = append([]Branch(nil), exec.Branches...)
	return &cp
}
