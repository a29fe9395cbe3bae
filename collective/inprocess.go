package collective

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// cyclicBarrier is a reusable rendezvous point for a fixed number of
// goroutines, used to give every InProcessGroup method a well-defined
// "every peer has arrived" boundary.
type cyclicBarrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	gen   int
}

func newCyclicBarrier(n int) *cyclicBarrier {
	b := &cyclicBarrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *cyclicBarrier) Wait() {
	b.mu.Lock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
	} else {
		for gen == b.gen {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}

// hub is the shared rendezvous state for one InProcessGroup. Every
// exchange (broadcast, gather, scatter, allreduce) follows the same
// write-barrier-read-barrier shape: peers write their contribution
// under mu, wait for everyone to arrive, read the shared result under
// mu, then wait again so the scratch fields aren't reused by a
// subsequent call before every peer has read them.
type hub struct {
	mu      sync.Mutex
	barrier *cyclicBarrier
	size    int

	broadcastPayload []byte
	gatherSlots      [][]byte
	scatterSlots     [][]byte
	reduceSlots      [][]uint32

	splitMu   sync.Mutex
	splitSubs map[int]*hub
}

// InProcessGroup is a Group implementation for peers running as
// goroutines in the same process, synchronized with a cyclicBarrier
// rather than any real transport. NewInProcessGroup constructs one
// handle per rank, all sharing one hub.
type InProcessGroup struct {
	rank int
	h    *hub
}

// NewInProcessGroup returns size Group handles, one per rank, ready to
// run a collective algorithm in lock-step across size goroutines.
func NewInProcessGroup(size int) []*InProcessGroup {
	h := &hub{
		barrier:      newCyclicBarrier(size),
		size:         size,
		gatherSlots:  make([][]byte, size),
		scatterSlots: make([][]byte, size),
		reduceSlots:  make([][]uint32, size),
		splitSubs:    make(map[int]*hub),
	}
	groups := make([]*InProcessGroup, size)
	for r := 0; r < size; r++ {
		groups[r] = &InProcessGroup{rank: r, h: h}
	}
	return groups
}

func (g *InProcessGroup) Rank() int { return g.rank }
func (g *InProcessGroup) Size() int { return g.h.size }

func (g *InProcessGroup) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.h.barrier.Wait()
	return nil
}

func (g *InProcessGroup) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.rank == root {
		g.h.mu.Lock()
		g.h.broadcastPayload = append([]byte(nil), data...)
		g.h.mu.Unlock()
	}
	g.h.barrier.Wait()

	g.h.mu.Lock()
	result := append([]byte(nil), g.h.broadcastPayload...)
	g.h.mu.Unlock()

	g.h.barrier.Wait()
	return result, nil
}

func (g *InProcessGroup) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.h.mu.Lock()
	g.h.gatherSlots[g.rank] = append([]byte(nil), data...)
	g.h.mu.Unlock()
	g.h.barrier.Wait()

	var result [][]byte
	if g.rank == root {
		g.h.mu.Lock()
		result = make([][]byte, g.h.size)
		copy(result, g.h.gatherSlots)
		g.h.mu.Unlock()
	}
	g.h.barrier.Wait()
	return result, nil
}

func (g *InProcessGroup) Scatter(ctx context.Context, root int, data [][]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.rank == root {
		g.h.mu.Lock()
		copy(g.h.scatterSlots, data)
		g.h.mu.Unlock()
	}
	g.h.barrier.Wait()

	g.h.mu.Lock()
	result := append([]byte(nil), g.h.scatterSlots[g.rank]...)
	g.h.mu.Unlock()

	g.h.barrier.Wait()
	return result, nil
}

func (g *InProcessGroup) Allreduce(ctx context.Context, local []uint32) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.h.mu.Lock()
	g.h.reduceSlots[g.rank] = append([]uint32(nil), local...)
	g.h.mu.Unlock()
	g.h.barrier.Wait()

	g.h.mu.Lock()
	sum := make([]uint32, len(local))
	for _, peer := range g.h.reduceSlots {
		for i, v := range peer {
			if i < len(sum) {
				sum[i] += v
			}
		}
	}
	g.h.mu.Unlock()

	g.h.barrier.Wait()
	return sum, nil
}

type splitMember struct {
	rank, color, key int
}

func (g *InProcessGroup) Split(ctx context.Context, color, key int) (Group, error) {
	packed := encodeSplitMember(splitMember{rank: g.rank, color: color, key: key})
	gathered, err := g.Gather(ctx, 0, packed)
	if err != nil {
		return nil, err
	}

	var assignment []byte
	if g.rank == 0 {
		members := make([]splitMember, len(gathered))
		for i, b := range gathered {
			members[i] = decodeSplitMember(b)
		}

		byColor := map[int][]splitMember{}
		var colors []int
		for _, m := range members {
			if m.color < 0 {
				continue
			}
			if _, ok := byColor[m.color]; !ok {
				colors = append(colors, m.color)
			}
			byColor[m.color] = append(byColor[m.color], m)
		}
		sort.Ints(colors)

		newRank := make([]int32, len(members))
		newSize := make([]int32, len(members))
		subID := make([]int32, len(members))
		for i := range newRank {
			newRank[i], newSize[i], subID[i] = -1, -1, -1
		}
		for sid, c := range colors {
			ms := append([]splitMember(nil), byColor[c]...)
			sort.Slice(ms, func(i, j int) bool {
				if ms[i].key != ms[j].key {
					return ms[i].key < ms[j].key
				}
				return ms[i].rank < ms[j].rank
			})
			for nr, m := range ms {
				newRank[m.rank] = int32(nr)
				newSize[m.rank] = int32(len(ms))
				subID[m.rank] = int32(sid)
			}
		}
		assignment = encodeAssignment(newRank, newSize, subID)
	}

	bcast, err := g.Broadcast(ctx, 0, assignment)
	if err != nil {
		return nil, err
	}
	newRank, newSize, subID := decodeAssignment(bcast)
	myRank, mySize, mySub := int(newRank[g.rank]), int(newSize[g.rank]), int(subID[g.rank])

	if mySub < 0 {
		// This peer passed a negative color and joins no sub-group; it
		// still takes its turn at the barrier every other peer waits on
		// below before returning.
		g.h.barrier.Wait()
		return nil, nil
	}

	g.h.splitMu.Lock()
	sub, ok := g.h.splitSubs[mySub]
	if !ok {
		sub = &hub{
			barrier:      newCyclicBarrier(mySize),
			size:         mySize,
			gatherSlots:  make([][]byte, mySize),
			scatterSlots: make([][]byte, mySize),
			reduceSlots:  make([][]uint32, mySize),
			splitSubs:    make(map[int]*hub),
		}
		g.h.splitSubs[mySub] = sub
	}
	g.h.splitMu.Unlock()

	g.h.barrier.Wait()
	if g.rank == 0 {
		g.h.splitMu.Lock()
		g.h.splitSubs = make(map[int]*hub)
		g.h.splitMu.Unlock()
	}

	return &InProcessGroup{rank: myRank, h: sub}, nil
}

// RunLocal spawns n goroutines, each running fn with its own
// InProcessGroup handle, and waits for all of them via errgroup -- the
// harness a test or a single-process simulation uses to exercise a
// Coordinator without any real parallel filesystem or network
// transport (golang.org/x/sync/errgroup gives us first-error
// propagation and automatic context cancellation of the sibling
// peers).
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, g Group, rank int) error) error {
	groups := NewInProcessGroup(n)
	eg, ctx := errgroup.WithContext(ctx)
	for r := 0; r < n; r++ {
		r := r
		eg.Go(func() error {
			return fn(ctx, groups[r], r)
		})
	}
	if err := eg.Wait(); err != nil {
		return xerrors.Errorf("bigfile/collective: peer failed: %w", err)
	}
	return nil
}

func encodeSplitMember(m splitMember) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], uint32(m.rank))
	binary.LittleEndian.PutUint32(b[4:8], uint32(m.color))
	binary.LittleEndian.PutUint32(b[8:12], uint32(m.key))
	return b
}

func decodeSplitMember(b []byte) splitMember {
	return splitMember{
		rank:  int(int32(binary.LittleEndian.Uint32(b[0:4]))),
		color: int(int32(binary.LittleEndian.Uint32(b[4:8]))),
		key:   int(int32(binary.LittleEndian.Uint32(b[8:12]))),
	}
}

func encodeAssignment(newRank, newSize, subID []int32) []byte {
	n := len(newRank)
	b := make([]byte, 4+12*n)
	binary.LittleEndian.PutUint32(b[0:4], uint32(n))
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(b[4+12*i:], uint32(newRank[i]))
		binary.LittleEndian.PutUint32(b[8+12*i:], uint32(newSize[i]))
		binary.LittleEndian.PutUint32(b[12+12*i:], uint32(subID[i]))
	}
	return b
}

func decodeAssignment(b []byte) (newRank, newSize, subID []int32) {
	n := int(binary.LittleEndian.Uint32(b[0:4]))
	newRank = make([]int32, n)
	newSize = make([]int32, n)
	subID = make([]int32, n)
	for i := 0; i < n; i++ {
		newRank[i] = int32(binary.LittleEndian.Uint32(b[4+12*i:]))
		newSize[i] = int32(binary.LittleEndian.Uint32(b[8+12*i:]))
		subID[i] = int32(binary.LittleEndian.Uint32(b[12+12*i:]))
	}
	return
}
