package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/cache"
)

// RedisRegistry keeps events and resume queues in Redis so an answer can
// reach a run served by another process.
type RedisRegistry struct {
	cache  *cache.Manager
	logger *zap.Logger
}

// NewRedisRegistry creates a registry on top of a cache manager.
func NewRedisRegistry(m *cache.Manager, logger *zap.Logger) *RedisRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRegistry{cache: m, logger: logger.With(zap.String("component", "event_registry"))}
}

func eventKey(id string) string {
	return "workflow:event:" + id
}

// Register stores ev with its timeout as TTL.
func (r *RedisRegistry) Register(ctx context.Context, ev *Event) error {
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
	return r.cache.SetJSON(ctx, eventKey(c.EventID), &c, c.Timeout)
}

// Get loads an event.
func (r *RedisRegistry) Get(ctx context.Context, eventID string) (*Event, error) {
	var ev Event
	if err := r.cache.GetJSON(ctx, eventKey(eventID), &ev); err != nil {
		if cache.IsCacheMiss(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load event %s: %w", eventID, err)
	}
	return &ev, nil
}

func (r *RedisRegistry) update(ctx context.Context, eventID string, fn func(*Event)) error {
	ev, err := r.Get(ctx, eventID)
	if err != nil {
		return err
	}
	fn(ev)
	return r.cache.SetJSON(ctx, eventKey(eventID), ev, ev.Timeout)
}

// OnInterruptNodeStart marks the event interrupted at nodeID.
func (r *RedisRegistry) OnInterruptNodeStart(ctx context.Context, eventID, nodeID string, timeout time.Duration) error {
	return r.update(ctx, eventID, func(ev *Event) {
		ev.Status = StatusInterrupted
		ev.NodeID = nodeID
		if timeout > 0 {
			ev.Timeout = timeout
		}
	})
}

// OnInterruptNodeEnd marks the event running again.
func (r *RedisRegistry) OnInterruptNodeEnd(ctx context.Context, eventID string) error {
	return r.update(ctx, eventID, func(ev *Event) {
		ev.Status = StatusRunning
		ev.NodeID = ""
	})
}

// OnFinished marks the event finished and drops its node queue.
func (r *RedisRegistry) OnFinished(ctx context.Context, eventID string) error {
	var nodeQueue string
	err := r.update(ctx, eventID, func(ev *Event) {
		ev.Status = StatusFinished
		nodeQueue = ev.NodeQueueName()
	})
	if err != nil {
		return err
	}
	return r.cache.Delete(ctx, nodeQueue)
}

// WriteResumeData appends data to queue.
func (r *RedisRegistry) WriteResumeData(ctx context.Context, queue string, data []byte, ttl time.Duration) error {
	return r.cache.Push(ctx, queue, string(data), ttl)
}

// FetchResumeData blocks up to timeout for the next item of queue.
func (r *RedisRegistry) FetchResumeData(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	v, err := r.cache.Pop(ctx, queue, timeout)
	if err != nil {
		if cache.IsCacheMiss(err) {
			return nil, ErrResumeTimeout
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		r.logger.Error("fetch resume data failed", zap.String("queue", queue), zap.Error(err))
		return nil, err
	}
	return []byte(v), nil
}

// Resume delivers data to the node queue of eventID.
func (r *RedisRegistry) Resume(ctx context.Context, eventID string, data ResumeData) error {
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
