package callback

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/flowengine/workflow/node"
)

// TestProperty_OutputFramesFollowFirstFrameOrder interleaves the frames of
// several message nodes at random. The client must see each node's frames
// contiguously, in production order, with nodes ordered by first frame.
func TestProperty_OutputFramesFollowFirstFrameOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		nodeCount := rapid.IntRange(1, 5).Draw(rt, "nodes")
		remaining := make([]int, nodeCount)
		for i := range remaining {
			// start + processes + end
			remaining[i] = rapid.IntRange(0, 4).Draw(rt, fmt.Sprintf("process_%d", i)) + 2
		}
		produced := make([]int, nodeCount)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h := NewHandler(Config{SID: "prop", EndOutputMode: node.EndOutputPrompt})
		h.Start(ctx)

		var firstOrder []string
		expected := make(map[string][]string)
		for {
			var open []int
			for i, r := range remaining {
				if r > 0 {
					open = append(open, i)
				}
			}
			if len(open) == 0 {
				break
			}
			i := open[rapid.IntRange(0, len(open)-1).Draw(rt, "pick")]
			id := fmt.Sprintf("message::%d", i)
			content := fmt.Sprintf("%d-%d", i, produced[i])

			var err error
			switch {
			case produced[i] == 0:
				firstOrder = append(firstOrder, id)
				err = h.OnNodeStart(ctx, 0, id, id)
				content = ""
			case remaining[i] == 1:
				err = h.OnNodeEnd(ctx, id, id, &node.RunResult{NodeAnswerContent: content}, nil)
				content += "|stop"
			default:
				err = h.OnNodeProcess(ctx, 0, id, id, content, "")
			}
			require.NoError(rt, err)
			if remaining[i] != 1 {
				content += "|"
			}
			expected[id] = append(expected[id], id+"|"+content)
			produced[i]++
			remaining[i]--
		}
		require.NoError(rt, h.OnNodeEnd(ctx, "node-end::1", "end", &node.RunResult{}, nil))
		require.NoError(rt, h.OnWorkflowEnd(ctx, nil))

		var want []string
		for _, id := range firstOrder {
			want = append(want, expected[id]...)
		}
		want = append(want, "node-end::1||stop")

		var got []string
		for {
			f, err := h.Recv(ctx)
			if err != nil {
				break
			}
			if isOutputFrame(f) {
				got = append(got, frameKey(f))
			}
		}
		require.Equal(rt, want, got)
	})
}
