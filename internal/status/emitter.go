package status

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Publisher sends one encoded event.
type Publisher interface {
	Publish(kind string, payload []byte) error
}

// Emitter decouples event producers (state hooks run on the discovery
// worker) from the network: Emit never blocks, and a full buffer drops the
// event.
type Emitter struct {
	pub    Publisher
	enc    Encoding
	logger *slog.Logger

	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewEmitter starts the sending goroutine. buffer <= 0 means 64.
func NewEmitter(pub Publisher, enc Encoding, buffer int, logger *slog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		pub:    pub,
		enc:    enc,
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit queues ev for sending. Never blocks.
func (e *Emitter) Emit(ev Event) {
	select {
	case <-e.done:
		e.dropped.Add(1)
		return
	default:
	}
	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
		e.logger.Debug("status: dropping event, buffer full", "kind", ev.Kind)
	}
}

// Close flushes queued events and stops the goroutine. Idempotent.
func (e *Emitter) Close() {
	e.once.Do(func() { close(e.done) })
	e.wg.Wait()
}

// Counts returns sent, dropped and failed event counts.
func (e *Emitter) Counts() (sent, dropped, failed uint64) {
	return e.sent.Load(), e.dropped.Load(), e.failed.Load()
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.events:
			e.send(ev)
		case <-e.done:
			for {
				select {
				case ev := <-e.events:
					e.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) send(ev Event) {
	payload, err := Encode(ev, e.enc)
	if err != nil {
		e.failed.Add(1)
		e.logger.Warn("status: encode failed", "kind", ev.Kind, "error", err)
		return
	}
	if err := e.pub.Publish(ev.Kind, payload); err != nil {
		e.failed.Add(1)
		e.logger.Debug("status: publish failed", "kind", ev.Kind, "error", err)
		return
	}
	e.sent.Add(1)
}
