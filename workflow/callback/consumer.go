package callback

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/flowengine/internal/channel"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// nodeStream is one stream of an output node: its frames up to and
// including the final one. A node that runs again, as in an iteration body,
// opens a new stream.
type nodeStream struct {
	nodeID string
	frames *channel.Queue[*StreamResult]
}

// finishStream marks the end of the order queue.
var finishStream = &nodeStream{nodeID: FlowFinishReason}

// nodeStreams tracks the open stream of each output node.
type nodeStreams struct {
	mu   sync.Mutex
	open map[string]*nodeStream
}

func newNodeStreams() *nodeStreams {
	return &nodeStreams{open: make(map[string]*nodeStream)}
}

// current returns nodeID's open stream. created is true when the frame
// starts a new one.
func (n *nodeStreams) current(nodeID string) (s *nodeStream, created bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.open[nodeID]; ok {
		return s, false
	}
	s = &nodeStream{nodeID: nodeID, frames: channel.NewQueue[*StreamResult]()}
	n.open[nodeID] = s
	return s, true
}

func (n *nodeStreams) finish(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.open, nodeID)
}

func (n *nodeStreams) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, s := range n.open {
		s.frames.Close()
		delete(n.open, id)
	}
}

// =============================================================================
// 📥 IntakeConsumer
// =============================================================================

// IntakeConsumer fans output node frames out to per-stream queues and
// publishes each stream once, in the order of its first frame.
type IntakeConsumer struct {
	intake  *channel.Queue[*StreamResult]
	order   *channel.Queue[*nodeStream]
	streams *nodeStreams
	logger  *zap.Logger
}

// Run consumes until the end node's final frame or until the intake queue
// is closed and drained. Either way the finish marker is published last.
func (c *IntakeConsumer) Run(ctx context.Context) error {
	for {
		r, err := c.intake.Get(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				// run ended without an end frame; release pending streams
				c.streams.closeAll()
				c.order.Put(finishStream)
				return nil
			}
			return err
		}
		s, created := c.streams.current(r.NodeID)
		if created {
			c.order.Put(s)
		}
		s.frames.Put(r)
		if r.FinishReason != FlowFinishReason {
			continue
		}
		c.streams.finish(r.NodeID)

		if dsl.TypeOf(r.NodeID) == dsl.NodeTypeEnd {
			c.logger.Debug("end node finished, closing intake", zap.String("node_id", r.NodeID))
			c.order.Put(finishStream)
			return nil
		}
	}
}

// =============================================================================
// 📤 OrderedConsumer
// =============================================================================

// OrderedConsumer forwards whole node streams to the client stream, one
// stream at a time in first-frame order.
type OrderedConsumer struct {
	order  *channel.Queue[*nodeStream]
	stream *channel.Queue[*Frame]
	logger *zap.Logger
}

// Run consumes streams until the finish marker.
func (c *OrderedConsumer) Run(ctx context.Context) error {
	for {
		s, err := c.order.Get(ctx)
		if err != nil {
			return err
		}
		if s == finishStream {
			return nil
		}
		if err := c.drain(ctx, s); err != nil {
			return err
		}
	}
}

// drain forwards the frames of s up to and including its final frame.
func (c *OrderedConsumer) drain(ctx context.Context, s *nodeStream) error {
	for {
		r, err := s.frames.Get(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				c.logger.Warn("node stream closed before its final frame", zap.String("node_id", s.nodeID))
				return nil
			}
			return err
		}
		c.stream.Put(r.Content)
		if r.FinishReason == FlowFinishReason {
			return nil
		}
	}
}

// consume runs both consumers in one group.
func consume(
	ctx context.Context,
	intake *channel.Queue[*StreamResult],
	order *channel.Queue[*nodeStream],
	streams *nodeStreams,
	stream *channel.Queue[*Frame],
	logger *zap.Logger,
) error {
	g, gctx := errgroup.WithContext(ctx)
	in := &IntakeConsumer{intake: intake, order: order, streams: streams, logger: logger}
	out := &OrderedConsumer{order: order, stream: stream, logger: logger}
	g.Go(func() error { return in.Run(gctx) })
	g.Go(func() error { return out.Run(gctx) })
	return g.Wait()
}
