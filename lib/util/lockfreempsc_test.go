package util

import (
	"sync"
	"testing"
	"time"
)

func receive[T any](t *testing.T, q *LockFreeMPSC[T]) *T {
	t.Helper()
	select {
	case v := <-q.Recv():
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for a queued value")
		return nil
	}
}

func TestMPSCPushAndReceive(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(&i) {
			t.Fatalf("failed to push %d", i)
		}
	}
	for i := 0; i < 10; i++ {
		if v := receive(t, q); *v != i {
			t.Errorf("expected %d, got %d", i, *v)
		}
	}

	select {
	case v := <-q.Recv():
		t.Errorf("queue should be empty, got %d", *v)
	case <-time.After(10 * time.Millisecond):
	}

	if q.Push(nil) {
		t.Error("pushing nil should be rejected")
	}
}

func TestMPSCConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	const producers, perProducer = 8, 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				v := p*perProducer + i
				if !q.Push(&v) {
					t.Errorf("producer %d failed to push", p)
				}
			}
		}(p)
	}

	seen := make(map[int]bool, producers*perProducer)
	lastOf := make(map[int]int)
	for len(seen) < producers*perProducer {
		v := *receive(t, q)
		if seen[v] {
			t.Fatalf("value %d delivered twice", v)
		}
		seen[v] = true

		// each producer's values keep their order
		p := v / perProducer
		if last, ok := lastOf[p]; ok && v < last {
			t.Fatalf("producer %d: %d delivered after %d", p, v, last)
		}
		lastOf[p] = v
	}
	wg.Wait()
}

func TestMPSCClose(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	for i := 0; i < 5; i++ {
		q.Push(&i)
	}
	q.Close()

	if !q.IsClosed() {
		t.Error("queue should report closed")
	}
	v := 100
	if q.Push(&v) {
		t.Error("push after close should fail")
	}

	for i := 0; i < 5; i++ {
		if got := receive(t, q); *got != i {
			t.Errorf("expected %d after close, got %d", i, *got)
		}
	}

	select {
	case _, ok := <-q.Recv():
		if ok {
			t.Error("channel should be closed after draining")
		}
	case <-time.After(time.Second):
		t.Error("channel was not closed after draining")
	}
}

func TestMPSCCloseWhileIdle(t *testing.T) {
	q := NewLockFreeMPSC[string]()
	time.Sleep(5 * time.Millisecond) // let the forwarder block
	q.Close()

	select {
	case _, ok := <-q.Recv():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("idle queue did not shut down")
	}
}

func BenchmarkMPSCPush(b *testing.B) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()
	go func() {
		for range q.Recv() {
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			q.Push(&i)
			i++
		}
	})
}
