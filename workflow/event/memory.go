package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/BaSui01/flowengine/internal/channel"
)

// MemoryRegistry is an in-process Registry. Queues never expire.
type MemoryRegistry struct {
	mu     sync.Mutex
	events map[string]*Event
	queues map[string]*channel.Queue[[]byte]
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		events: make(map[string]*Event),
		queues: make(map[string]*channel.Queue[[]byte]),
	}
}

func (r *MemoryRegistry) queue(name string) *channel.Queue[[]byte] {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		q = channel.NewQueue[[]byte]()
		r.queues[name] = q
	}
	return q
}

// Register stores ev, defaulting its status and timeout.
func (r *MemoryRegistry) Register(_ context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *ev
	if c.Status == "" {
		c.Status = StatusRunning
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().Unix()
	}
	r.events[c.EventID] = &c
	return nil
}

// Get returns a copy of the event.
func (r *MemoryRegistry) Get(_ context.Context, eventID string) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *ev
	return &c, nil
}

func (r *MemoryRegistry) update(eventID string, fn func(*Event)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[eventID]
	if !ok {
		return ErrNotFound
	}
	fn(ev)
	return nil
}

// OnInterruptNodeStart marks the event interrupted at nodeID.
func (r *MemoryRegistry) OnInterruptNodeStart(_ context.Context, eventID, nodeID string, timeout time.Duration) error {
	return r.update(eventID, func(ev *Event) {
		ev.Status = StatusInterrupted
		ev.NodeID = nodeID
		if timeout > 0 {
			ev.Timeout = timeout
		}
	})
}

// OnInterruptNodeEnd marks the event running again.
func (r *MemoryRegistry) OnInterruptNodeEnd(_ context.Context, eventID string) error {
	return r.update(eventID, func(ev *Event) {
		ev.Status = StatusRunning
		ev.NodeID = ""
	})
}

// OnFinished marks the event finished.
func (r *MemoryRegistry) OnFinished(_ context.Context, eventID string) error {
	return r.update(eventID, func(ev *Event) { ev.Status = StatusFinished })
}

// WriteResumeData appends data to queue.
func (r *MemoryRegistry) WriteResumeData(_ context.Context, queue string, data []byte, _ time.Duration) error {
	r.queue(queue).Put(append([]byte(nil), data...))
	return nil
}

// FetchResumeData waits up to timeout for the next item of queue.
func (r *MemoryRegistry) FetchResumeData(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	data, err := r.queue(queue).Get(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrResumeTimeout
	}
	return data, err
}

// Resume delivers data to the node queue of eventID.
func (r *MemoryRegistry) Resume(ctx context.Context, eventID string, data ResumeData) error {
	ev, err := r.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if data.Timestamp == 0 {
		data.Timestamp = time.Now().Unix()
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return r.WriteResumeData(ctx, ev.NodeQueueName(), payload, ev.Timeout)
}
