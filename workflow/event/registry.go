// Package event tracks interruptible runs: the event record of a run, the
// queue of frames replayed to a resuming client, and the queue a
// question-answer node waits on for its answer.
package event

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a run event.
type Status string

const (
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusFinished    Status = "finished"
)

// Resume actions a client may send back.
const (
	ActionResume = "resume"
	ActionIgnore = "ignore"
	ActionAbort  = "abort"
)

// DefaultTimeout bounds how long an interrupted node waits for an answer.
const DefaultTimeout = 3 * time.Minute

var (
	// ErrNotFound is returned for unknown event ids.
	ErrNotFound = errors.New("event not found")
	// ErrResumeTimeout is returned when no resume data arrives in time.
	ErrResumeTimeout = errors.New("resume data timeout")
)

// Event is the registry record of one run.
type Event struct {
	EventID   string        `json:"event_id"`
	FlowID    string        `json:"flow_id"`
	NodeID    string        `json:"node_id,omitempty"`
	Status    Status        `json:"status"`
	Timeout   time.Duration `json:"timeout"`
	CreatedAt int64         `json:"created_at"`
}

// WorkflowQueueName is the queue of frames produced after an interrupt.
func (e *Event) WorkflowQueueName() string {
	return "workflow:event:" + e.EventID + ":workflow"
}

// NodeQueueName is the queue the interrupted node reads its answer from.
func (e *Event) NodeQueueName() string {
	return "workflow:event:" + e.EventID + ":node"
}

// ResumeData is one answer sent to an interrupted node.
type ResumeData struct {
	EventType string `json:"event_type"`
	Content   string `json:"content"`
	Retries   int    `json:"retries"`
	Timestamp int64  `json:"timestamp"`
}

// Registry stores run events and their resume queues.
type Registry interface {
	Register(ctx context.Context, ev *Event) error
	Get(ctx context.Context, eventID string) (*Event, error)
	OnInterruptNodeStart(ctx context.Context, eventID, nodeID string, timeout time.Duration) error
	OnInterruptNodeEnd(ctx context.Context, eventID string) error
	OnFinished(ctx context.Context, eventID string) error

	WriteResumeData(ctx context.Context, queue string, data []byte, ttl time.Duration) error
	FetchResumeData(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)

	// Resume delivers an answer to the node interrupted under eventID.
	Resume(ctx context.Context, eventID string, data ResumeData) error
}
