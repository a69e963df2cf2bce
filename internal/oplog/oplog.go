// Package oplog is the human-readable event sink shared by the device monitor,
// the restore orchestrator and the presentation shells. Entries are
// timestamped, numbered and append-only; shells either poll with Since or
// subscribe for live delivery.
package oplog

import (
	"fmt"
	"sync"
	"time"
)

// Entry is one line of the operation log.
type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// String renders the entry the way the shells display it.
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05"), e.Message)
}

// Log is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	hidden  int // entries before this index were cleared from views
	subs    map[chan Entry]struct{}
	now     func() time.Time
}

func New() *Log {
	return &Log{
		subs: make(map[chan Entry]struct{}),
		now:  time.Now,
	}
}

// Append records msg and delivers it to subscribers.
func (l *Log) Append(msg string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:     uint64(len(l.entries)) + 1,
		Time:    l.now(),
		Message: msg,
	}
	l.entries = append(l.entries, e)

	for ch := range l.subs {
		deliver(ch, e)
	}
	return e
}

func (l *Log) Appendf(format string, args ...any) Entry {
	return l.Append(fmt.Sprintf(format, args...))
}

// deliver never blocks: a full subscriber loses its oldest pending entry.
// Subscribers that fall behind can resynchronise with Since.
func deliver(ch chan Entry, e Entry) {
	select {
	case ch <- e:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- e:
	default:
	}
}

// Entries returns the entries visible since the last Clear.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries[l.hidden:]...)
}

// Since returns visible entries with Seq greater than seq.
func (l *Log) Since(seq uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.hidden
	if int(seq) > start {
		start = int(min(seq, uint64(len(l.entries))))
	}
	return append([]Entry(nil), l.entries[start:]...)
}

// LastSeq returns the sequence number of the newest entry, 0 when empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.entries))
}

// Clear hides all current entries from Entries and Since. The underlying
// sequence is kept, so numbering continues.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hidden = len(l.entries)
}

// Subscribe returns a channel receiving every entry appended from now on and
// a function that cancels the subscription and closes the channel.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Entry, buffer)

	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Catchup returns what a subscriber that has handled entries up to last must
// emit when it receives e: nothing for an entry it already has, e alone when
// nothing was dropped in between, otherwise the dropped entries read back
// from the log followed by e. Entries hidden by Clear are not read back.
func (l *Log) Catchup(last uint64, e Entry) []Entry {
	if e.Seq <= last {
		return nil
	}
	if e.Seq == last+1 {
		return []Entry{e}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := max(l.hidden, int(last))
	end := int(e.Seq)
	if start >= end || end > len(l.entries) {
		return []Entry{e}
	}
	return append([]Entry(nil), l.entries[start:end]...)
}

// Follow calls fn, from a single goroutine, for every entry appended after
// the call, in order and without gaps. The returned stop function ends the
// subscription, emits what is still outstanding and waits for fn to finish.
func (l *Log) Follow(buffer int, fn func(Entry)) (stop func()) {
	l.mu.Lock()
	last := uint64(len(l.entries))
	ch := make(chan Entry, max(buffer, 1))
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			for _, m := range l.Catchup(last, e) {
				fn(m)
				last = m.Seq
			}
		}
		for _, m := range l.Since(last) {
			fn(m)
			last = m.Seq
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			l.mu.Unlock()
			close(ch)
			<-done
		})
	}
}
