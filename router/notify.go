package router

import (
	"log/slog"
	"sync"
)

// Drainer is what the Notification Worker needs from an installed device:
// the exchange-based pending-notify bitmap and the ability to run one
// queue's drain loop. *mmio.Device satisfies this directly.
type Drainer interface {
	PendingNotifyExchange() uint32
	Drain(queueNum int) error
}

// Worker is the Notification Worker (spec §4.6): one dedicated goroutine,
// process-wide, that owns a condition-variable-guarded pending flag and the
// list of devices to drain. A queue-notify register write calls Notify;
// the worker wakes, clears the flag, and for each device exchanges its
// pending_notify_bitmap for 0 before draining the bits that were set. The
// exchange-before-drain ordering is required: clearing bits after draining
// would lose a notify that arrives concurrently with the drain.
type Worker struct {
	devices []Drainer

	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
	stop    bool
}

// NewWorker creates a Worker that drains devices, in order, on each wake.
func NewWorker(devices []Drainer) *Worker {
	w := &Worker{devices: devices}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Notify records that at least one device has a pending queue-notify and
// wakes the worker. Back-to-back calls before the worker wakes coalesce
// into a single drain pass, which is safe because each pass exchanges every
// device's bitmap and so drains every bit set before it.
func (w *Worker) Notify() {
	w.mu.Lock()
	w.pending = true
	w.mu.Unlock()
	w.cond.Signal()
}

// Stop asks Run to return after its current (or next) wake. It is
// idempotent and safe to call before Run starts.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stop = true
	w.pending = true
	w.mu.Unlock()
	w.cond.Signal()
}

// Run waits for Notify or Stop and drains every device's pending queues on
// each wake, until Stop is observed. It is meant to run on its own
// goroutine for the lifetime of the process.
func (w *Worker) Run() {
	for {
		w.mu.Lock()
		for !w.pending {
			w.cond.Wait()
		}

		stop := w.stop
		w.pending = false
		w.mu.Unlock()

		if stop {
			return
		}

		w.drainAll()
	}
}

func (w *Worker) drainAll() {
	for _, d := range w.devices {
		bitmap := d.PendingNotifyExchange()

		for q := 0; bitmap != 0; q++ {
			if bitmap&1 != 0 {
				if err := d.Drain(q); err != nil {
					slog.Error("router: drain failed", "queue", q, "err", err)
				}
			}

			bitmap >>= 1
		}
	}
}
