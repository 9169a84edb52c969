package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/services"
)

func TestChannelForIsCommutative(t *testing.T) {
	pairs := [][2]domain.UserID{{"u1", "u2"}, {"alice", "bob"}, {"z", "a"}, {"same", "same"}}
	for _, p := range pairs {
		if ChannelFor(p[0], p[1]) != ChannelFor(p[1], p[0]) {
			t.Fatalf("ChannelFor(%s,%s) differs from reversed order", p[0], p[1])
		}
	}
}

func TestChannelForHasNoCollisions(t *testing.T) {
	// ids containing the separator characters must not collide
	ids := []domain.UserID{"a", "b", "a|b", "b|", "|b", "a:", "1:a", "dm", "a|", "|", "ab", "2:a|b"}
	seen := make(map[domain.ChannelID][2]domain.UserID)
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			ch := ChannelFor(ids[i], ids[j])
			if prev, ok := seen[ch]; ok {
				t.Fatalf("collision: %v and %v both map to %s", prev, [2]domain.UserID{ids[i], ids[j]}, ch)
			}
			seen[ch] = [2]domain.UserID{ids[i], ids[j]}
		}
	}
	if ChannelForUser("u1") == ChannelFor("u1", "u1") {
		t.Fatalf("inbox channel must differ from conversation channels")
	}
}

type countingTransport struct {
	*MemoryTransport
	subscribes atomic.Int32
	failNext   atomic.Bool
	delay      time.Duration
}

func (c *countingTransport) Subscribe(ctx context.Context, ch domain.ChannelID) (Subscription, error) {
	c.subscribes.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.failNext.CompareAndSwap(true, false) {
		return nil, errors.New("connection refused")
	}
	return c.MemoryTransport.Subscribe(ctx, ch)
}

func newCounting() *countingTransport {
	return &countingTransport{MemoryTransport: NewMemoryTransport(&services.NoOpLogger{})}
}

func TestAttachIsIdempotent(t *testing.T) {
	tr := newCounting()
	r := NewRouter(tr, &services.NoOpLogger{})
	ctx := context.Background()
	ch := ChannelFor("u1", "u2")

	h1, err := r.Attach(ctx, ch)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	h2, err := r.Attach(ctx, ch)
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected the same handle on repeated attach")
	}
	if n := tr.subscribes.Load(); n != 1 {
		t.Fatalf("expected one subscription, got %d", n)
	}

	_ = tr.Publish(ctx, ch, []byte("hello"))
	select {
	case m := <-h1.Messages():
		if string(m.Data) != "hello" {
			t.Fatalf("unexpected payload %q", m.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message delivered")
	}
	select {
	case m := <-h1.Messages():
		t.Fatalf("message delivered twice: %q", m.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentAttachSubscribesOnce(t *testing.T) {
	tr := newCounting()
	tr.delay = 10 * time.Millisecond
	r := NewRouter(tr, &services.NoOpLogger{})
	ch := ChannelFor("u1", "u2")

	var wg sync.WaitGroup
	handles := make([]*Handle, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Attach(context.Background(), ch)
			if err != nil {
				t.Errorf("attach: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()
	for _, h := range handles[1:] {
		if h != handles[0] {
			t.Fatalf("concurrent attaches returned different handles")
		}
	}
	if n := tr.subscribes.Load(); n != 1 {
		t.Fatalf("expected one subscription, got %d", n)
	}
}

func TestDetachTwiceIsNoop(t *testing.T) {
	tr := newCounting()
	r := NewRouter(tr, &services.NoOpLogger{})
	ch := ChannelFor("u1", "u2")

	h, err := r.Attach(context.Background(), ch)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := r.Detach(h); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := r.Detach(h); err != nil {
		t.Fatalf("second detach should be a no-op, got %v", err)
	}
	if err := r.Detach(nil); err != nil {
		t.Fatalf("detach nil: %v", err)
	}
	if tr.Subscribers(ch) != 0 {
		t.Fatalf("subscription not released")
	}

	h2, err := r.Attach(context.Background(), ch)
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if h2 == h {
		t.Fatalf("reattach after detach should create a new handle")
	}
	// the old handle must not release the new subscription
	_ = r.Detach(h)
	if !r.Attached(ch) {
		t.Fatalf("stale detach removed the live attachment")
	}
}

func TestAttachFailureIsTransportError(t *testing.T) {
	tr := newCounting()
	tr.failNext.Store(true)
	r := NewRouter(tr, &services.NoOpLogger{})
	ch := ChannelFor("u1", "u2")

	_, err := r.Attach(context.Background(), ch)
	if !domain.IsType(err, domain.ErrTypeTransportUnavailable) {
		t.Fatalf("expected TRANSPORT_UNAVAILABLE, got %v", err)
	}
	if n := tr.subscribes.Load(); n != 1 {
		t.Fatalf("router must not retry on its own, saw %d subscribes", n)
	}

	if _, err := r.Attach(context.Background(), ch); err != nil {
		t.Fatalf("caller retry should succeed, got %v", err)
	}
}

func TestCloseDetachesEverything(t *testing.T) {
	tr := newCounting()
	r := NewRouter(tr, &services.NoOpLogger{})
	for i := 0; i < 3; i++ {
		if _, err := r.Attach(context.Background(), ChannelFor("u1", domain.UserID(fmt.Sprintf("p%d", i)))); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	r.Close()
	for i := 0; i < 3; i++ {
		if tr.Subscribers(ChannelFor("u1", domain.UserID(fmt.Sprintf("p%d", i)))) != 0 {
			t.Fatalf("channel %d still subscribed after close", i)
		}
	}
	if _, err := r.Attach(context.Background(), ChannelFor("u1", "p9")); !domain.IsType(err, domain.ErrTypeTransportUnavailable) {
		t.Fatalf("attach after close should fail, got %v", err)
	}
}

func TestMemoryTransportKeepsOrder(t *testing.T) {
	tr := NewMemoryTransport(&services.NoOpLogger{})
	ch := ChannelFor("u1", "u2")
	sub, _ := tr.Subscribe(context.Background(), ch)
	defer sub.Close()

	for i := 0; i < 50; i++ {
		_ = tr.Publish(context.Background(), ch, []byte(fmt.Sprint(i)))
	}
	for i := 0; i < 50; i++ {
		m := <-sub.C()
		if string(m.Data) != fmt.Sprint(i) {
			t.Fatalf("expected %d, got %s", i, m.Data)
		}
	}
}

func TestSlowSubscriberIsClosedNotSkipped(t *testing.T) {
	prevBuf, prevWait := subscriptionBuffer, sendTimeout
	subscriptionBuffer, sendTimeout = 2, 20*time.Millisecond
	t.Cleanup(func() { subscriptionBuffer, sendTimeout = prevBuf, prevWait })

	tr := NewMemoryTransport(&services.NoOpLogger{})
	ch := ChannelFor("u1", "u2")
	slow, _ := tr.Subscribe(context.Background(), ch)
	defer slow.Close()

	for i := 0; i < 3; i++ {
		_ = tr.Publish(context.Background(), ch, []byte(fmt.Sprint(i)))
	}

	var got []string
	for m := range slow.C() {
		got = append(got, string(m.Data))
	}
	if len(got) != 2 || got[0] != "0" || got[1] != "1" {
		t.Fatalf("expected the buffered prefix then a closed feed, got %v", got)
	}
	if n := tr.Subscribers(ch); n != 0 {
		t.Fatalf("closed subscriber should be removed, %d left", n)
	}

	// later publishes reach healthy subscribers only
	fresh, _ := tr.Subscribe(context.Background(), ch)
	defer fresh.Close()
	_ = tr.Publish(context.Background(), ch, []byte("3"))
	select {
	case m := <-fresh.C():
		if string(m.Data) != "3" {
			t.Fatalf("unexpected frame %s", m.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("healthy subscriber did not receive")
	}
}
