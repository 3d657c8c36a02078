package workflow

import (
	"context"
	"time"
)

// Execution states. RUNNING is the only non-terminal state.
const (
	ExecutionRunning   = "RUNNING"
	ExecutionSucceeded = "SUCCEEDED"
	ExecutionFailed    = "FAILED"
	ExecutionTimedOut  = "TIMED_OUT"
)

// Branch states within an execution. A branch abandoned by an execution
// timeout keeps its RUNNING state; the engine stops waiting but does not
// interrupt the in-flight invocation.
const (
	BranchPending   = "PENDING"
	BranchRunning   = "RUNNING"
	BranchSucceeded = "SUCCEEDED"
	BranchFailed    = "FAILED"
)

// Input starts one execution. It mirrors the queue message payload.
type Input struct {
	ObjectKey string `json:"objectKey"`
}

// BranchSpec describes one parallel processing branch. Branches carry their
// own profile so the fan-out is an explicit parameter, not a duplicated
// invocation of the same rendition.
type BranchSpec struct {
	Name    string
	Profile string
}

// DefaultBranches is the reference fan-out: two renditions of the source
// object.
func DefaultBranches() []BranchSpec {
	return []BranchSpec{
		{Name: "hd", Profile: "h264-1080p"},
		{Name: "sd", Profile: "h264-720p"},
	}
}

// Branch is the tracked state of one branch within an execution.
type Branch struct {
	Spec       BranchSpec
	State      string
	OutputKey  string
	Error      string
	FinishedAt time.Time
}

// Execution is one run of the orchestration state machine for one job.
type Execution struct {
	ID         string
	ObjectKey  string
	State      string
	Branches   []Branch
	StartedAt  time.Time
	FinishedAt time.Time
}

// InvokeInput is the request handed to the worker for one branch. Two
// branches of the same execution share the object key; the worker must be
// idempotent under concurrent invocations.
type InvokeInput struct {
	ObjectKey string
	Profile   string
}

// InvokeOutput is the worker's result for one branch.
type InvokeOutput struct {
	OutputKey string
}

// Invoker is the external worker collaborator, called synchronously once
// per branch. A call that outlives the branch deadline counts as a branch
// failure even if it later returns a result.
type Invoker interface {
	Invoke(ctx context.Context, in InvokeInput) (*InvokeOutput, error)
}
