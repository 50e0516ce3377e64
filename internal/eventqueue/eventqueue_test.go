package eventqueue

import (
	"testing"
	"time"
)

func TestPushPop(t *testing.T) {
	q := New(4)
	e := q.Get(KindMsg, "hello")
	if err := q.Push(e); err != nil {
		t.Fatalf("Push: %v", err)
	}
	got, ok := q.Pop()
	if !ok {
		t.Fatal("Pop returned ok=false")
	}
	if got.Payload != "hello" {
		t.Errorf("Payload = %v, want hello", got.Payload)
	}
	q.Release(got)
}

func TestFIFOOrder(t *testing.T) {
	q := New(10)
	for i := 0; i < 5; i++ {
		q.Push(q.Get(KindMsg, i))
	}
	for i := 0; i < 5; i++ {
		e, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop(%d) ok=false", i)
		}
		if e.Payload != i {
			t.Errorf("Payload = %v, want %d", e.Payload, i)
		}
		q.Release(e)
	}
}

func TestPoolRecycling(t *testing.T) {
	q := New(1)
	e1 := q.Get(KindMsg, 1)
	q.Release(e1)
	e2 := q.Get(KindMsg, 2)
	if e2 != e1 {
		t.Error("Get after Release should recycle the freed event")
	}
}

func TestPoolCeiling(t *testing.T) {
	q := New(1)
	a := q.Get(KindMsg, nil)
	b := q.Get(KindMsg, nil)
	q.Release(a)
	q.Release(b) // pool already at ceiling (1); b should not be recycled
	if q.freeCount != 1 {
		t.Errorf("freeCount = %d, want 1", q.freeCount)
	}
}

func TestCloseWakesPop(t *testing.T) {
	q := New(4)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		if ok {
			t.Error("Pop on closed empty queue should return ok=false")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after Close")
	}
}

func TestPushAfterClose(t *testing.T) {
	q := New(4)
	q.Close()
	if err := q.Push(q.Get(KindMsg, nil)); err == nil {
		t.Error("Push after Close should error")
	}
}
