// Package daemon implements the background reclaim task of spec.md §4.4: a
// loop that sleeps while free pages stay above a low watermark and wakes
// (via its own futex-backed wait queue, or an explicit Kick) to run the
// reclaimer until free pages reach a high watermark. Grounded on the "daemon sleeps on
// its wait queue" line of spec.md §5, implemented with a raw
// golang.org/x/sys/unix SYS_FUTEX syscall rather than a channel so that a
// Kick from any goroutine — including a signal-adjacent allocation path —
// behaves like waking a real kernel wait queue: one word, one wake, no
// allocation on the hot path.
package daemon

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/text/message"

	"lru"
	"reclaim"
	"section"
)

const (
	futexWaitPrivate = 128 // FUTEX_WAIT | FUTEX_PRIVATE_FLAG
	futexWakePrivate = 129 // FUTEX_WAKE | FUTEX_PRIVATE_FLAG
)

// pollInterval bounds how long a daemon iteration ever blocks even without
// a Kick, so a missed wake (the intrinsic futex lost-wakeup race, closed by
// rechecking the predicate after waking) never wedges the daemon for good.
const pollInterval = 250 * time.Millisecond

type waitQueue struct {
	word uint32
}

func (w *waitQueue) wait() {
	expect := atomic.LoadUint32(&w.word)
	ts := unix.NsecToTimespec(pollInterval.Nanoseconds())
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(&w.word)), uintptr(futexWaitPrivate), uintptr(expect),
		uintptr(unsafe.Pointer(&ts)), 0, 0)
}

func (w *waitQueue) wake() {
	atomic.AddUint32(&w.word, 1)
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(&w.word)), uintptr(futexWakePrivate), ^uintptr(0), 0, 0, 0)
}

/// Daemon_t is the reclaim background task: it watches section.TotalFree()
/// against LowWatermark/HighWatermark and drives Reclaimer against LRU
/// whenever free pages fall to or below LowWatermark, per spec.md §4.4.
type Daemon_t struct {
	LRU       *lru.EpcLru_t
	Reclaimer *reclaim.Reclaimer_t

	/// LowWatermark: the daemon wakes and reclaims once total free pages
	/// fall at or below this.
	LowWatermark int
	/// HighWatermark: the daemon reclaims until total free pages reach
	/// this, then goes back to sleep.
	HighWatermark int
	/// ScanBatch bounds pages isolated per Reclaim call within one wake.
	ScanBatch int

	wq      waitQueue
	stopped atomic.Bool
	frozen  atomic.Bool
}

/// New returns a Daemon_t. ScanBatch defaults to reclaim.ScanBatch (spec.md
/// §6's SCAN_BATCH tunable, default 16).
func New(l *lru.EpcLru_t, r *reclaim.Reclaimer_t, lowWatermark, highWatermark int) *Daemon_t {
	return &Daemon_t{
		LRU:           l,
		Reclaimer:     r,
		LowWatermark:  lowWatermark,
		HighWatermark: highWatermark,
		ScanBatch:     reclaim.ScanBatch,
	}
}

/// Kick wakes the daemon immediately, without waiting for its next poll
/// tick. The allocator does not call it: without a Kick, the daemon sees a
/// low free count only at its next pollInterval tick.
func (d *Daemon_t) Kick() {
	d.wq.wake()
}

/// Stop requests the daemon's Run loop exit at its next wake and wakes it
/// immediately so that happens promptly rather than after pollInterval.
func (d *Daemon_t) Stop() {
	d.stopped.Store(true)
	d.wq.wake()
}

/// Freeze pauses reclaim without exiting Run — spec.md §4.4's
/// "freezable": a caller tearing down an enclave or suspending the system
/// can stop the daemon from racing a teardown without losing its state.
func (d *Daemon_t) Freeze() { d.frozen.Store(true) }

/// Thaw resumes a frozen daemon and wakes it immediately.
func (d *Daemon_t) Thaw() {
	d.frozen.Store(false)
	d.wq.wake()
}

/// Run is the daemon's main loop: block until free pages fall to or below
/// LowWatermark (or a Kick/poll tick fires), then reclaim in ScanBatch
/// chunks until free pages reach HighWatermark or the LRU runs dry. Run
/// returns once Stop has been called. Intended to run in its own
/// goroutine.
func (d *Daemon_t) Run() {
	for {
		if d.stopped.Load() {
			return
		}
		if d.frozen.Load() || section.TotalFree() > d.LowWatermark {
			d.wq.wait()
			continue
		}

		for section.TotalFree() < d.HighWatermark {
			if d.stopped.Load() || d.frozen.Load() {
				break
			}
			if d.LRU.Empty() {
				break
			}
			if n := d.Reclaimer.Reclaim(d.LRU, d.ScanBatch, false); n == 0 {
				break
			}
		}
	}
}

/// DumpStats formats the daemon's run state and watermarks with thousands
/// separators, the daemon-side half of the stats reporter pair SPEC_FULL.md's
/// DOMAIN STACK section describes alongside section.DumpStats. Not on any
/// hot path.
func (d *Daemon_t) DumpStats() string {
	p := message.NewPrinter(message.MatchLanguage("en"))
	state := "running"
	if d.stopped.Load() {
		state = "stopped"
	} else if d.frozen.Load() {
		state = "frozen"
	}
	return p.Sprintf("epc daemon: %s, free=%d low=%d high=%d scan_batch=%d",
		state, section.TotalFree(), d.LowWatermark, d.HighWatermark, d.ScanBatch)
}
