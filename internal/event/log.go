package event

import (
	"fmt"
	"log/slog"
	"sync"
)

// Log is the append-only, strictly ordered notification sink.
// Appends must arrive with dense sequence numbers; a gap is a logic error
// and halts the caller, the same policy the sequencer applies to commands.
type Log struct {
	mu      sync.RWMutex
	events  []Event
	subs    map[int]chan Event
	nextSub int
	dropped uint64
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{subs: make(map[int]chan Event)}
}

// Append records ev and fans it out to subscribers. Panics on a sequence gap.
func (l *Log) Append(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := uint64(len(l.events)) + 1
	if ev.GetSeq() != want {
		panic(fmt.Sprintf("EVENT_SEQUENCE_GAP: expected %d, got %d", want, ev.GetSeq()))
	}
	l.events = append(l.events, ev)

	for id, ch := range l.subs {
		select {
		case ch <- ev:
		default: // DROP: slow subscribers never stall settlement
			l.dropped++
			slog.Warn("Event subscriber lagging, event dropped",
				slog.Int("subscriber", id),
				slog.Uint64("seq", ev.GetSeq()),
			)
		}
	}
}

// NextSeq returns the sequence number the next Append must carry.
func (l *Log) NextSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events)) + 1
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Events returns a copy of all recorded events in order.
func (l *Log) Events() []Event {
	return l.Since(0)
}

// Since returns the events with Seq > seq, in order.
func (l *Log) Since(seq uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq >= uint64(len(l.events)) {
		return nil
	}
	out := make([]Event, len(l.events)-int(seq))
	copy(out, l.events[seq:])
	return out
}

// Dropped returns how many subscriber deliveries were skipped.
func (l *Log) Dropped() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}

// Subscribe registers a buffered channel receiving every future event.
// The returned cancel func unregisters and closes the channel.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan Event, buffer)
	l.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}
