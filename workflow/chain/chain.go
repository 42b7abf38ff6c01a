// Package chain partitions a workflow graph into simple root-to-leaf
// paths. Paths drive predecessor waits, branch deactivation and the
// progress estimate carried on every stream frame.
package chain

import (
	"fmt"

	"github.com/BaSui01/flowengine/internal/channel"
	"github.com/BaSui01/flowengine/types"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// ParamIterationStart is the nodeParam naming an iteration's entry node.
const ParamIterationStart = "IterationStartNodeId"

// Chain is one simple path.
type Chain struct {
	NodeIDs []string
	// EveryNodeIndex maps node id to its 1-based position on the path.
	EveryNodeIndex map[string]int
	Inactive       *channel.Latch
}

func newChain(ids []string) *Chain {
	c := &Chain{
		NodeIDs:        append([]string(nil), ids...),
		EveryNodeIndex: make(map[string]int, len(ids)),
		Inactive:       channel.NewLatch(),
	}
	for i, id := range c.NodeIDs {
		c.EveryNodeIndex[id] = i + 1
	}
	return c
}

// Contains reports whether nodeID lies on the path.
func (c *Chain) Contains(nodeID string) bool {
	_, ok := c.EveryNodeIndex[nodeID]
	return ok
}

// HasEdge reports whether to directly follows from on the path.
func (c *Chain) HasEdge(from, to string) bool {
	i, ok := c.EveryNodeIndex[from]
	return ok && i < len(c.NodeIDs) && c.NodeIDs[i] == to
}

// Predecessor returns the node before nodeID on the path.
func (c *Chain) Predecessor(nodeID string) (string, bool) {
	i, ok := c.EveryNodeIndex[nodeID]
	if !ok || i == 1 {
		return "", false
	}
	return c.NodeIDs[i-2], true
}

// Chains is the simple path set of one graph level. Iteration bodies are
// kept as nested Chains keyed by the iteration node id.
type Chains struct {
	RootID    string
	Master    []*Chain
	Iteration map[string]*Chains
	// EdgeDict maps a node to its successors.
	EdgeDict map[string][]string

	clamp bool
}

// Option configures Chains.
type Option func(*Chains)

// WithClampProgress bounds Progress to [0,1].
func WithClampProgress(clamp bool) Option {
	return func(c *Chains) { c.clamp = clamp }
}

// Build enumerates simple paths from the workflow start node and from
// every iteration entry node.
func Build(wf *dsl.Workflow, opts ...Option) (*Chains, error) {
	start, ok := wf.StartNode()
	if !ok {
		return nil, types.NewStructuralError(types.ErrEngineBuild, "start node does not exist")
	}

	edges := make(map[string][]string)
	for _, e := range wf.Edges {
		edges[e.SourceNodeID] = append(edges[e.SourceNodeID], e.TargetNodeID)
	}

	c := FromRoot(start.ID, edges, opts...)
	for _, n := range wf.Nodes {
		if n.Type() != dsl.NodeTypeIteration {
			continue
		}
		entry := n.Data.ParamString(ParamIterationStart)
		if entry == "" {
			return nil, types.NewStructuralError(types.ErrNodeProtocolValidate,
				fmt.Sprintf("iteration node %s has no iteration start node", n.ID)).WithNodeID(n.ID)
		}
		if _, ok := wf.NodeByID(entry); !ok {
			return nil, types.NewStructuralError(types.ErrEngineBuild,
				fmt.Sprintf("iteration start node %s does not exist", entry)).WithNodeID(n.ID)
		}
		c.Iteration[n.ID] = FromRoot(entry, edges, opts...)
	}
	return c, nil
}

// FromRoot enumerates the simple paths reachable from root.
func FromRoot(root string, edges map[string][]string, opts ...Option) *Chains {
	c := &Chains{
		RootID:    root,
		Iteration: make(map[string]*Chains),
		EdgeDict:  edges,
		clamp:     true,
	}
	for _, opt := range opts {
		opt(c)
	}

	onPath := map[string]bool{}
	var path []string
	var dfs func(id string)
	dfs = func(id string) {
		path = append(path, id)
		onPath[id] = true
		leaf := true
		for _, next := range edges[id] {
			if onPath[next] {
				continue
			}
			leaf = false
			dfs(next)
		}
		if leaf {
			c.Master = append(c.Master, newChain(path))
		}
		onPath[id] = false
		path = path[:len(path)-1]
	}
	dfs(root)
	return c
}

// Clone copies the path layout with fresh latches.
func (c *Chains) Clone() *Chains {
	out := &Chains{
		RootID:    c.RootID,
		Iteration: make(map[string]*Chains, len(c.Iteration)),
		EdgeDict:  c.EdgeDict,
		clamp:     c.clamp,
	}
	for _, m := range c.Master {
		out.Master = append(out.Master, newChain(m.NodeIDs))
	}
	for id, sub := range c.Iteration {
		out.Iteration[id] = sub.Clone()
	}
	return out
}

// NodeChains returns every path containing nodeID.
func (c *Chains) NodeChains(nodeID string) []*Chain {
	var out []*Chain
	for _, m := range c.Master {
		if m.Contains(nodeID) {
			out = append(out, m)
		}
	}
	return out
}

// BranchChains returns every path taking the edge from -> to.
func (c *Chains) BranchChains(from, to string) []*Chain {
	var out []*Chain
	for _, m := range c.Master {
		if m.HasEdge(from, to) {
			out = append(out, m)
		}
	}
	return out
}

// NodeIDs returns every node on any path, in first-seen order.
func (c *Chains) NodeIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range c.Master {
		for _, id := range m.NodeIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// AllSimplePathsNodeCount sums path lengths over all paths.
func (c *Chains) AllSimplePathsNodeCount() int {
	n := 0
	for _, m := range c.Master {
		n += len(m.NodeIDs)
	}
	return n
}

// Progress estimates completion when nodeID is running: inactive paths
// count fully, active paths count up to nodeID's position.
func (c *Chains) Progress(nodeID string) float64 {
	total := c.AllSimplePathsNodeCount()
	if total == 0 {
		return 0
	}
	done := 0
	for _, m := range c.Master {
		if m.Inactive.IsSet() {
			done += len(m.NodeIDs)
			continue
		}
		done += m.EveryNodeIndex[nodeID]
	}
	p := float64(done) / float64(total)
	if c.clamp {
		p = min(max(p, 0), 1)
	}
	return p
}
