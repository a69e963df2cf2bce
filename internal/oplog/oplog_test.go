package oplog

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func fixedClock(l *Log) {
	l.now = func() time.Time { return time.Date(2024, 5, 1, 9, 4, 5, 0, time.Local) }
}

func TestAppendNumbersAndFormats(t *testing.T) {
	l := New()
	fixedClock(l)

	e := l.Append("Device status: Recovery Mode")
	if e.Seq != 1 {
		t.Fatalf("Seq = %d, want 1", e.Seq)
	}
	if got := e.String(); got != "[09:04:05] Device status: Recovery Mode" {
		t.Fatalf("String() = %q", got)
	}

	l.Appendf("Restore failed with exit code: %d", 1)
	entries := l.Entries()
	if len(entries) != 2 || entries[1].Message != "Restore failed with exit code: 1" {
		t.Fatalf("Entries = %v", entries)
	}
}

func TestSinceAndClear(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		l.Appendf("line %d", i)
	}

	if got := l.Since(3); len(got) != 2 || got[0].Seq != 4 {
		t.Fatalf("Since(3) = %v", got)
	}
	if got := l.Since(99); len(got) != 0 {
		t.Fatalf("Since(99) = %v, want empty", got)
	}

	l.Clear()
	if got := l.Entries(); len(got) != 0 {
		t.Fatalf("Entries after Clear = %v", got)
	}
	if got := l.Since(0); len(got) != 0 {
		t.Fatalf("Since(0) after Clear = %v", got)
	}

	e := l.Append("after clear")
	if e.Seq != 6 {
		t.Fatalf("Seq after Clear = %d, want 6", e.Seq)
	}
	if got := l.Entries(); len(got) != 1 || got[0].Message != "after clear" {
		t.Fatalf("Entries = %v", got)
	}
	if l.LastSeq() != 6 {
		t.Fatalf("LastSeq = %d, want 6", l.LastSeq())
	}
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	l := New()
	ch, cancel := l.Subscribe(16)
	defer cancel()

	for i := 0; i < 3; i++ {
		l.Appendf("line %d", i)
	}
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			if want := fmt.Sprintf("line %d", i); e.Message != want {
				t.Fatalf("got %q, want %q", e.Message, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for entry")
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	l := New()
	ch, cancel := l.Subscribe(2)
	defer cancel()

	for i := 0; i < 5; i++ {
		l.Appendf("line %d", i)
	}

	first := <-ch
	second := <-ch
	if first.Message != "line 3" || second.Message != "line 4" {
		t.Fatalf("got %q, %q; want newest two entries", first.Message, second.Message)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	l := New()
	ch, cancel := l.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	l.Append("no subscribers")
}

func TestConcurrentAppend(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Append("x")
			}
		}()
	}
	wg.Wait()

	entries := l.Entries()
	if len(entries) != 800 {
		t.Fatalf("len = %d, want 800", len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			t.Fatalf("entry %d has Seq %d", i, e.Seq)
		}
	}
}

func TestCatchup(t *testing.T) {
	l := New()
	for i := 1; i <= 5; i++ {
		l.Appendf("line %d", i)
	}
	all := l.Entries()

	if got := l.Catchup(3, all[2]); got != nil {
		t.Fatalf("Catchup of an already handled entry = %v, want nil", got)
	}
	if got := l.Catchup(1, all[1]); len(got) != 1 || got[0].Seq != 2 {
		t.Fatalf("contiguous Catchup = %v", got)
	}

	got := l.Catchup(1, all[4])
	if len(got) != 4 {
		t.Fatalf("gap Catchup returned %d entries, want 4", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(i+2) {
			t.Fatalf("entry %d has Seq %d, want %d", i, e.Seq, i+2)
		}
	}

	l.Clear()
	if got := l.Catchup(1, all[4]); len(got) != 1 || got[0].Seq != 5 {
		t.Fatalf("Catchup across Clear = %v, want only the received entry", got)
	}
}

func TestFollowDeliversEveryEntryDespiteSmallBuffer(t *testing.T) {
	l := New()
	l.Append("before follow")

	var seqs []uint64
	release := make(chan struct{})
	stop := l.Follow(2, func(e Entry) {
		<-release
		seqs = append(seqs, e.Seq)
	})

	const n = 1000
	for i := 0; i < n; i++ {
		l.Appendf("burst %d", i)
	}
	close(release)
	stop()

	if len(seqs) != n {
		t.Fatalf("followed %d entries, want %d", len(seqs), n)
	}
	for i, seq := range seqs {
		if seq != uint64(i+2) {
			t.Fatalf("entry %d has Seq %d, want %d", i, seq, i+2)
		}
	}
}
