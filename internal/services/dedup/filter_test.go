package dedup

import (
	"sync"
	"testing"
)

func TestHistoryThenReplays(t *testing.T) {
	f := NewFilter()
	f.Seed("m1", "m2")

	var rendered []string
	rendered = append(rendered, "m1", "m2")
	for _, id := range []string{"m1", "m2", "m3", "m3"} {
		if f.Accept(id) {
			rendered = append(rendered, id)
		}
	}

	want := []string{"m1", "m2", "m3"}
	if len(rendered) != len(want) {
		t.Fatalf("expected %v, got %v", want, rendered)
	}
	for i := range want {
		if rendered[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, rendered)
		}
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3 ids tracked, got %d", f.Len())
	}
}

func TestAcceptAfterClose(t *testing.T) {
	f := NewFilter()
	f.Close()
	if f.Accept("m1") {
		t.Fatalf("closed filter must not accept")
	}
	f.Seed("m2")
	if f.Len() != 0 {
		t.Fatalf("closed filter must not grow")
	}
}

func TestEmptyIDRejected(t *testing.T) {
	if NewFilter().Accept("") {
		t.Fatalf("empty id must not be accepted")
	}
}

func TestConcurrentAcceptRendersOnce(t *testing.T) {
	f := NewFilter()
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Accept("same") {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("expected exactly one accept, got %d", accepted)
	}
}
