package queue

import (
	"sync"
	"testing"
)

func TestGrowableBuffer_PushTryReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](10)

	for i := 0; i < 5; i++ {
		if !buf.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}

	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := buf.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}

	if _, ok := buf.TryReceive(); ok {
		t.Error("TryReceive() on empty buffer returned true")
	}
}

func TestGrowableBuffer_PeekDoesNotRemove(t *testing.T) {
	buf := NewGrowableBuffer[string](4)

	if _, ok := buf.Peek(); ok {
		t.Error("Peek() on empty buffer returned true")
	}

	buf.Push("a")
	buf.Push("b")

	for i := 0; i < 3; i++ {
		got, ok := buf.Peek()
		if !ok || got != "a" {
			t.Fatalf("Peek() = %q, %v; want a, true", got, ok)
		}
	}
	if buf.Len() != 2 {
		t.Errorf("Len() = %d, want 2", buf.Len())
	}
}

func TestGrowableBuffer_MultipleGrows(t *testing.T) {
	buf := NewGrowableBuffer[int](4)

	for i := 0; i < 100; i++ {
		if !buf.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}

	stats := buf.Stats()
	if stats.Count != 100 {
		t.Errorf("Count = %d, want 100", stats.Count)
	}
	if stats.ResizeCount < 3 {
		t.Errorf("ResizeCount = %d, expected at least 3 resizes", stats.ResizeCount)
	}

	for i := 0; i < 100; i++ {
		val, ok := buf.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}
}

func TestGrowableBuffer_WrapAround(t *testing.T) {
	buf := NewGrowableBuffer[int](5)

	buf.Push(1)
	buf.Push(2)
	buf.Push(3)

	buf.TryReceive() // removes 1
	buf.TryReceive() // removes 2

	buf.Push(4)
	buf.Push(5)
	buf.Push(6)
	buf.Push(7)
	buf.Push(8)

	want := []int{3, 4, 5, 6, 7, 8}
	got := buf.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("Snapshot() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot()[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	for _, w := range want {
		v, ok := buf.TryReceive()
		if !ok || v != w {
			t.Errorf("TryReceive() = %d, %v; want %d, true", v, ok, w)
		}
	}
}

func TestGrowableBuffer_SnapshotIsCopy(t *testing.T) {
	buf := NewGrowableBuffer[int](4)
	buf.Push(1)

	snap := buf.Snapshot()
	snap[0] = 99

	if v, _ := buf.Peek(); v != 1 {
		t.Errorf("Peek() = %d after mutating snapshot, want 1", v)
	}
}

func TestGrowableBuffer_DrainTo(t *testing.T) {
	buf := NewGrowableBuffer[int](10)

	for i := 0; i < 10; i++ {
		buf.Push(i)
	}

	items := buf.DrainTo(5)
	if len(items) != 5 {
		t.Errorf("DrainTo(5) returned %d items, want 5", len(items))
	}
	for i, val := range items {
		if val != i {
			t.Errorf("items[%d] = %d, want %d", i, val, i)
		}
	}

	items = buf.DrainTo(0) // 0 means all
	if len(items) != 5 {
		t.Errorf("DrainTo(0) returned %d items, want 5", len(items))
	}
	if buf.DrainTo(0) != nil {
		t.Error("DrainTo on empty buffer should return nil")
	}
}

func TestGrowableBuffer_Clear(t *testing.T) {
	buf := NewGrowableBuffer[int](4)
	buf.Push(1)
	buf.Push(2)
	buf.Push(3)

	if n := buf.Clear(); n != 3 {
		t.Errorf("Clear() = %d, want 3", n)
	}
	if buf.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", buf.Len())
	}

	buf.Push(4)
	if v, ok := buf.TryReceive(); !ok || v != 4 {
		t.Errorf("TryReceive() = %d, %v; want 4, true", v, ok)
	}
}

func TestGrowableBuffer_Close(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	buf.Push(1)
	buf.Close()

	if buf.Push(2) {
		t.Error("Push should return false after Close")
	}

	val, ok := buf.TryReceive()
	if !ok || val != 1 {
		t.Errorf("TryReceive() = %d, %v; want 1, true", val, ok)
	}
}

func TestGrowableBuffer_ConcurrentPushPreservesPerProducerOrder(t *testing.T) {
	buf := NewGrowableBuffer[[2]int](8)
	const producers = 4
	const perProducer = 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				buf.Push([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for _, item := range buf.DrainTo(0) {
		if item[1] != last[item[0]]+1 {
			t.Fatalf("producer %d: got %d after %d", item[0], item[1], last[item[0]])
		}
		last[item[0]] = item[1]
	}
	for p, l := range last {
		if l != perProducer-1 {
			t.Errorf("producer %d: last = %d, want %d", p, l, perProducer-1)
		}
	}
}

func TestGrowableBuffer_Stats(t *testing.T) {
	buf := NewGrowableBuffer[int](10)

	stats := buf.Stats()
	if stats.Count != 0 || stats.Capacity != 10 || stats.TotalReceived != 0 || stats.TotalSent != 0 {
		t.Errorf("initial stats incorrect: %+v", stats)
	}

	buf.Push(1)
	buf.Push(2)
	buf.Push(3)
	buf.TryReceive()
	buf.TryReceive()

	stats = buf.Stats()
	if stats.Count != 1 || stats.TotalReceived != 3 || stats.TotalSent != 2 {
		t.Errorf("stats after push/receive: %+v", stats)
	}
}

func TestNewGrowableBuffer_MinCapacity(t *testing.T) {
	for _, c := range []int{0, -5} {
		buf := NewGrowableBuffer[int](c)
		if got := buf.Stats().Capacity; got != 1 {
			t.Errorf("capacity = %d, want 1 for initial capacity %d", got, c)
		}
	}
}
