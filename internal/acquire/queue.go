// ABOUTME: Arrival-ordered priority queue of pending source packets
// ABOUTME: Lets one worker interleave several streams in master clock order
package acquire

import (
	"container/heap"

	"github.com/Resonate-Protocol/streamsync/internal/source"
)

// pending is a packet waiting for its arrival time
type pending struct {
	stream *Stream
	packet source.Packet
	seq    uint64
}

// PacketQueue is a priority queue ordered by arrival time. Packets
// arriving at the same time keep their push order.
type PacketQueue struct {
	items []pending
	seq   uint64
}

func NewPacketQueue() *PacketQueue {
	q := &PacketQueue{}
	heap.Init(q)
	return q
}

// Implement heap.Interface
func (q *PacketQueue) Len() int { return len(q.items) }

func (q *PacketQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.packet.Arrival != b.packet.Arrival {
		return a.packet.Arrival < b.packet.Arrival
	}
	return a.seq < b.seq
}

func (q *PacketQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *PacketQueue) Push(x interface{}) {
	q.items = append(q.items, x.(pending))
}

func (q *PacketQueue) Pop() interface{} {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}

// peek returns the earliest packet without removing it
func (q *PacketQueue) peek() pending {
	return q.items[0]
}

// add queues a packet of s
func (q *PacketQueue) add(s *Stream, p source.Packet) {
	q.seq++
	heap.Push(q, pending{stream: s, packet: p, seq: q.seq})
}

// next removes the earliest packet
func (q *PacketQueue) next() pending {
	return heap.Pop(q).(pending)
}
