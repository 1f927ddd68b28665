package multiplex

import "relay/protocol"

type sequenceItem struct {
	seq protocol.ChannelSequence
	cmd protocol.Command
}

// sequenceHeap is a min-heap of out-of-order commands keyed by sequence,
// used to buffer a ReliableSequence group until the gap closes (spec.md §9
// "Channel multiplexer buffer" — a dense ring would also work for small
// windows, but the window here is attacker-controlled up to MaxSequenceBuffer
// so a heap keeps worst-case behavior predictable).
type sequenceHeap struct {
	items []sequenceItem
}

func newSequenceHeap() *sequenceHeap { return &sequenceHeap{} }

func (h *sequenceHeap) Len() int { return len(h.items) }
func (h *sequenceHeap) Less(i, j int) bool { return h.items[i].seq < h.items[j].seq }
func (h *sequenceHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *sequenceHeap) Push(x any) { h.items = append(h.items, x.(sequenceItem)) }

func (h *sequenceHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

func (h *sequenceHeap) Peek() sequenceItem { return h.items[0] }
