// Package fanout hands captured video frames to consumers that run off the
// host's tick, such as an encoder or a snapshot writer.
//
// Drop frames, never queue: every level is a single-slot mailbox that the
// newest frame overwrites.
//
//	Publish ──► inbox (1 slot) ──► distribution loop ──► worker slots (1 slot each)
//
// Frames are shared by pointer; nobody may modify them after Publish.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/capture"
)

// idleThreshold marks a subscriber idle when it has not read for this long.
const idleThreshold = 30 * time.Second

// Frame is the shared frame type.
type Frame = capture.VideoFrame

// Stats is a snapshot of the fan-out state.
type Stats struct {
	// InboxDrops counts frames replaced in the inbox before the
	// distribution loop picked them up.
	InboxDrops  uint64
	Distributed uint64
	Subscribers map[string]SubscriberStats
}

// SubscriberStats tracks one subscriber.
type SubscriberStats struct {
	ID               string
	LastConsumedAt   time.Time
	LastConsumedSeq  uint64
	ConsecutiveDrops uint64
	TotalDrops       uint64
	IsIdle           bool
}

// Fanout is the distributor. Use New, then Start.
type Fanout struct {
	inboxMu    sync.Mutex
	inboxCond  *sync.Cond
	inboxFrame *Frame
	inboxDrops atomic.Uint64

	slots       sync.Map // id → *slot
	distributed atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedMu sync.Mutex
	started   bool
	stopping  atomic.Bool
}

type slot struct {
	mu    sync.Mutex
	cond  *sync.Cond
	frame *Frame

	lastConsumedAt   time.Time
	lastConsumedSeq  uint64
	consecutiveDrops uint64
	totalDrops       uint64

	closed bool
}

// New creates a stopped fan-out.
func New() *Fanout {
	f := &Fanout{}
	f.inboxCond = sync.NewCond(&f.inboxMu)
	return f
}

// Start launches the distribution loop and returns immediately.
func (f *Fanout) Start(ctx context.Context) error {
	f.startedMu.Lock()
	defer f.startedMu.Unlock()

	if f.started {
		return fmt.Errorf("fanout: already started")
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.started = true

	f.wg.Add(1)
	go f.distributionLoop()
	return nil
}

// Stop shuts the loop down, wakes every subscriber (their read function
// returns nil) and waits for the loop to exit. Idempotent.
func (f *Fanout) Stop() {
	f.startedMu.Lock()
	if !f.started || f.stopping.Load() {
		f.startedMu.Unlock()
		return
	}
	f.stopping.Store(true)
	f.startedMu.Unlock()

	f.cancel()

	f.inboxMu.Lock()
	f.inboxCond.Broadcast()
	f.inboxMu.Unlock()

	f.wg.Wait()

	f.slots.Range(func(key, value any) bool {
		f.Unsubscribe(key.(string))
		return true
	})
}

// Publish offers a frame to the distribution loop. Never blocks.
func (f *Fanout) Publish(frame *Frame) {
	if frame == nil || f.stopping.Load() {
		return
	}
	f.inboxMu.Lock()
	if f.inboxFrame != nil {
		f.inboxDrops.Add(1)
	}
	f.inboxFrame = frame
	f.inboxCond.Signal()
	f.inboxMu.Unlock()
}

// Subscribe registers id and returns its read function. The read function
// blocks until a frame is available and returns nil once the subscriber is
// removed or the fan-out stops. Call it from one goroutine only.
func (f *Fanout) Subscribe(id string) func() *Frame {
	if f.stopping.Load() {
		return func() *Frame { return nil }
	}

	s := &slot{lastConsumedAt: time.Now()}
	s.cond = sync.NewCond(&s.mu)
	if old, loaded := f.slots.Swap(id, s); loaded {
		closeSlot(old.(*slot))
	}

	return func() *Frame {
		s.mu.Lock()
		defer s.mu.Unlock()

		for s.frame == nil && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil
		}

		frame := s.frame
		s.frame = nil
		s.lastConsumedAt = time.Now()
		s.lastConsumedSeq = frame.Seq
		s.consecutiveDrops = 0
		return frame
	}
}

// Unsubscribe removes id and wakes its reader. Unknown ids are ignored.
func (f *Fanout) Unsubscribe(id string) {
	v, ok := f.slots.LoadAndDelete(id)
	if !ok {
		return
	}
	closeSlot(v.(*slot))
}

// Stats returns a snapshot.
func (f *Fanout) Stats() Stats {
	subs := make(map[string]SubscriberStats)
	f.slots.Range(func(key, value any) bool {
		id := key.(string)
		s := value.(*slot)

		s.mu.Lock()
		subs[id] = SubscriberStats{
			ID:               id,
			LastConsumedAt:   s.lastConsumedAt,
			LastConsumedSeq:  s.lastConsumedSeq,
			ConsecutiveDrops: s.consecutiveDrops,
			TotalDrops:       s.totalDrops,
			IsIdle:           time.Since(s.lastConsumedAt) > idleThreshold,
		}
		s.mu.Unlock()
		return true
	})

	return Stats{
		InboxDrops:  f.inboxDrops.Load(),
		Distributed: f.distributed.Load(),
		Subscribers: subs,
	}
}

func (f *Fanout) distributionLoop() {
	defer f.wg.Done()

	for {
		f.inboxMu.Lock()
		for f.inboxFrame == nil {
			if f.ctx.Err() != nil {
				f.inboxMu.Unlock()
				return
			}
			f.inboxCond.Wait()
		}
		if f.ctx.Err() != nil {
			f.inboxMu.Unlock()
			return
		}
		frame := f.inboxFrame
		f.inboxFrame = nil
		f.inboxMu.Unlock()

		f.distribute(frame)
	}
}

func (f *Fanout) distribute(frame *Frame) {
	f.distributed.Add(1)
	f.slots.Range(func(_, value any) bool {
		publishToSlot(value.(*slot), frame)
		return true
	})
}

func publishToSlot(s *slot, frame *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.frame != nil {
		s.consecutiveDrops++
		s.totalDrops++
	}
	s.frame = frame
	s.cond.Signal()
}

func closeSlot(s *slot) {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}
