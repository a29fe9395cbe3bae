// Package collective implements the parallel-peer layer on top of the
// local bigfile package (spec.md §4.7, C7): a Group abstraction over
// rank/size/barrier/broadcast/gather/scatter/split, and a Coordinator
// that drives collective create/open/grow/read/write/close across a
// group of peers sharing a File.
package collective

import "context"

// Group is the transport-agnostic peer-coordination primitive the
// Coordinator is built on (spec.md §9: "model the group as an
// interface ... Do not bake in any transport"). Every method is a
// collective operation: every peer in the group must call it, in the
// same order, or the call blocks forever.
type Group interface {
	// Rank returns this peer's 0-based index within the group.
	Rank() int
	// Size returns the number of peers in the group.
	Size() int

	// Barrier blocks until every peer has called Barrier.
	Barrier(ctx context.Context) error

	// Broadcast sends data from root to every peer, root included.
	// Only the value passed by root is meaningful; other peers' data
	// arguments are ignored.
	Broadcast(ctx context.Context, root int, data []byte) ([]byte, error)

	// Gather collects every peer's data at root, in rank order. The
	// return value is non-nil only at root.
	Gather(ctx context.Context, root int, data []byte) ([][]byte, error)

	// Scatter distributes data, indexed by destination rank, from root
	// to every peer. Only root's data argument is meaningful.
	Scatter(ctx context.Context, root int, data [][]byte) ([]byte, error)

	// Allreduce elementwise-sums (mod 2^32) local across every peer
	// and returns the same result to all of them. The Coordinator uses
	// this to reconcile per-shard SysV checksum deltas after a
	// collective write -- spec.md §4.7 calls this a "segmented scan
	// over fchecksum[shard]"; because the SysV sum is commutative and
	// associative, a full elementwise sum-reduce produces the same
	// result as a scan restricted to the contributing writers, since
	// non-contributing peers supply a zero delta.
	Allreduce(ctx context.Context, local []uint32) ([]uint32, error)

	// Split partitions the group by color (peers sharing a color form
	// a new group) and orders each new group by key, then rank. Peers
	// passing a negative color do not belong to any resulting group
	// and receive a nil Group and nil error.
	Split(ctx context.Context, color, key int) (Group, error)
}
