package activity

import (
	"testing"
	"time"
)

func TestEmitReachesSubscribers(t *testing.T) {
	l := NewLog(nil)
	ch, cancel := l.Subscribe(8)
	defer cancel()

	l.Emit(KindMessage, "thr-1", map[string]any{"content": "hi"})

	select {
	case e := <-ch:
		if e.Kind != KindMessage || e.ThreadID != "thr-1" {
			t.Errorf("entry = %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("no timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	l := NewLog(nil)
	_, cancel := l.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			l.Emit(KindToken, "thr-1", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	if l.Dropped() == 0 {
		t.Error("expected dropped entries to be counted")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	l := NewLog(nil)
	ch, cancel := l.Subscribe(1)
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	// Emitting after cancel must not panic.
	l.Emit(KindMessage, "thr-1", nil)
	// Cancel is idempotent.
	cancel()
}

func TestNilLogIsSafe(t *testing.T) {
	var l *Log
	l.Emit(KindMessage, "thr-1", nil)
	if l.Dropped() != 0 {
		t.Error("nil log reported drops")
	}
	ch, cancel := l.Subscribe(4)
	cancel()
	if _, ok := <-ch; ok {
		t.Error("nil log subscription should be closed")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	l := NewLog(nil)
	ch1, cancel1 := l.Subscribe(4)
	ch2, cancel2 := l.Subscribe(4)
	defer cancel1()
	defer cancel2()

	l.Emit(KindCompaction, "thr-9", map[string]any{"strategy": "summarize"})

	for i, ch := range []<-chan Entry{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Kind != KindCompaction {
				t.Errorf("subscriber %d: kind = %q", i, e.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no entry", i)
		}
	}
}
