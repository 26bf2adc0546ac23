package detector

import (
	"time"
)

// tracker is the detector's decision core. It is fed directory listings and
// the current time and decides which sequences are ready. It performs no I/O.
type tracker struct {
	next  uint64
	grace time.Duration

	// growth tracking for the segment at next
	watching   bool
	lastSize   int64
	lastGrowth time.Time
}

func newTracker(start uint64, grace time.Duration) *tracker {
	return &tracker{next: start, grace: grace}
}

func (t *tracker) advance() {
	t.next++
	t.watching = false
	t.lastSize = 0
	t.lastGrowth = time.Time{}
}

// observe returns the events that the listing proves ready, in sequence
// order. files maps sequence numbers to current sizes. final is set once the
// media pipeline has exited, after which no file will grow again.
func (t *tracker) observe(files map[uint64]int64, now time.Time, final bool) []Event {
	var (
		highest    uint64
		hasHighest bool
	)
	for seq := range files {
		if !hasHighest || seq > highest {
			highest = seq
			hasHighest = true
		}
	}

	var out []Event
	for {
		size, exists := files[t.next]
		successor := hasHighest && highest > t.next

		switch {
		case !exists:
			if !successor {
				return out
			}
			out = append(out, Event{Sequence: t.next, Kind: KindSkipped, Reason: "segment file missing while a later segment exists"})
			t.advance()

		case size == 0:
			if !successor && !final {
				return out
			}
			out = append(out, Event{Sequence: t.next, Kind: KindEmpty, Reason: "segment file is empty"})
			t.advance()

		case successor:
			out = append(out, Event{Sequence: t.next, Kind: KindComplete, Size: size, Reason: "successor appeared"})
			t.advance()

		case final:
			out = append(out, Event{Sequence: t.next, Kind: KindComplete, Size: size, Reason: "pipeline finalized"})
			t.advance()

		default:
			if !t.watching || size != t.lastSize {
				t.watching = true
				t.lastSize = size
				t.lastGrowth = now
				return out
			}
			if now.Sub(t.lastGrowth) < t.grace {
				return out
			}
			out = append(out, Event{Sequence: t.next, Kind: KindComplete, Size: size, Reason: "no growth within grace period"})
			t.advance()
		}
	}
}
