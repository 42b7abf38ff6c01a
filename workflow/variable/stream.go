package variable

import (
	"sync"

	"github.com/BaSui01/flowengine/internal/channel"
)

// StreamMsg is one raw response frame a streaming node hands to a
// dependent message/end node.
type StreamMsg struct {
	Domain            string         `json:"domain"`
	Response          map[string]any `json:"llm_response"`
	ExceptionOccurred bool           `json:"exception_occurred"`
}

// StreamData routes streaming frames from producers to the output nodes
// that reference them: consumer node id -> producer node id -> queue.
// A forked pool shares the same StreamData.
type StreamData struct {
	mu     sync.RWMutex
	queues map[string]map[string]*channel.Queue[StreamMsg]
}

// NewStreamData creates an empty router.
func NewStreamData() *StreamData {
	return &StreamData{queues: make(map[string]map[string]*channel.Queue[StreamMsg])}
}

// Register creates (or returns) the queue consumerID reads producerID from.
func (s *StreamData) Register(consumerID, producerID string) *channel.Queue[StreamMsg] {
	s.mu.Lock()
	defer s.mu.Unlock()
	byProducer, ok := s.queues[consumerID]
	if !ok {
		byProducer = make(map[string]*channel.Queue[StreamMsg])
		s.queues[consumerID] = byProducer
	}
	q, ok := byProducer[producerID]
	if !ok {
		q = channel.NewQueue[StreamMsg]()
		byProducer[producerID] = q
	}
	return q
}

// Queue returns the queue consumerID reads producerID from.
func (s *StreamData) Queue(consumerID, producerID string) (*channel.Queue[StreamMsg], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[consumerID][producerID]
	return q, ok
}

// Publish pushes msg into every consumer queue fed by producerID and
// returns how many consumers received it.
func (s *StreamData) Publish(producerID string, msg StreamMsg) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, byProducer := range s.queues {
		if q, ok := byProducer[producerID]; ok {
			q.Put(msg)
			n++
		}
	}
	return n
}

// Empty reports whether no queue has been registered.
func (s *StreamData) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues) == 0
}

// SystemParams holds run-wide parameters shared by forked pools.
type SystemParams struct {
	mu   sync.RWMutex
	data map[string]any
}

// System parameter keys
const (
	ParamFlowOutputMode = "flowOutputMode"
	ParamIsRelease      = "is_release"
)

// NewSystemParams creates empty system params.
func NewSystemParams() *SystemParams {
	return &SystemParams{data: make(map[string]any)}
}

// Set stores a run-wide value.
func (p *SystemParams) Set(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = value
}

// Get reads a run-wide value.
func (p *SystemParams) Get(key string, def any) any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.data[key]; ok {
		return v
	}
	return def
}

// SetNode stores a node-scoped value.
func (p *SystemParams) SetNode(key, nodeID string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.data[key].(map[string]any)
	if !ok {
		m = make(map[string]any)
		p.data[key] = m
	}
	m[nodeID] = value
}

// GetNode reads a node-scoped value.
func (p *SystemParams) GetNode(key, nodeID string, def any) any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m, ok := p.data[key].(map[string]any); ok {
		if v, ok := m[nodeID]; ok {
			return v
		}
	}
	return def
}
