// File: internal/services/presence/registry.go
package presence

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"iter"
	"sort"
	"sync"

	"github.com/iyunix/go-smilin/internal/domain"
)

const shardCount = 64

// TransitionListener is told about every 0->1 and 1->0 change in the number
// of live handles of a user, exactly once per change.
type TransitionListener interface {
	Online(userID domain.UserID)
	// Offline reports the last handle going away. abrupt is true when it was
	// dropped by a failed transport rather than closed by the client.
	Offline(userID domain.UserID, abrupt bool)
}

// Registry tracks the live connection handles of every user.
type Registry interface {
	Register(ctx context.Context, h domain.ConnectionHandle) error
	Unregister(ctx context.Context, h domain.ConnectionHandle) error
	Drop(ctx context.Context, h domain.ConnectionHandle) error
	IsOnline(ctx context.Context, userID domain.UserID) (bool, error)
	OnlineUsers(ctx context.Context) iter.Seq[domain.UserID]
}

func shardFor(key string) uint32 {
	if key == "" {
		return 0
	}
	h := sha1.Sum([]byte(key))
	return binary.BigEndian.Uint32(h[:4]) % shardCount
}

type handleBucket struct {
	sync.Mutex
	users map[domain.UserID]map[domain.ConnectionID]struct{}
}

// MemoryRegistry is the single-process Registry.
type MemoryRegistry struct {
	shards   [shardCount]*handleBucket
	listener TransitionListener
}

func NewMemoryRegistry(listener TransitionListener) *MemoryRegistry {
	r := &MemoryRegistry{listener: listener}
	for i := range r.shards {
		r.shards[i] = &handleBucket{users: make(map[domain.UserID]map[domain.ConnectionID]struct{})}
	}
	return r
}

func (r *MemoryRegistry) bucket(userID domain.UserID) *handleBucket {
	return r.shards[shardFor(string(userID))]
}

func (r *MemoryRegistry) Register(_ context.Context, h domain.ConnectionHandle) error {
	if h.IsZero() {
		return domain.NewValidationError("register", "connection handle is incomplete")
	}
	b := r.bucket(h.UserID)
	b.Lock()
	defer b.Unlock()

	conns, ok := b.users[h.UserID]
	if !ok {
		conns = make(map[domain.ConnectionID]struct{})
		b.users[h.UserID] = conns
	}
	if _, dup := conns[h.ConnectionID]; dup {
		return nil
	}
	conns[h.ConnectionID] = struct{}{}

	// listener runs under the user's lock so transitions reach it in order
	if len(conns) == 1 && r.listener != nil {
		r.listener.Online(h.UserID)
	}
	return nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, h domain.ConnectionHandle) error {
	r.remove(h, false)
	return nil
}

func (r *MemoryRegistry) Drop(_ context.Context, h domain.ConnectionHandle) error {
	r.remove(h, true)
	return nil
}

func (r *MemoryRegistry) remove(h domain.ConnectionHandle, abrupt bool) {
	b := r.bucket(h.UserID)
	b.Lock()
	defer b.Unlock()

	conns, ok := b.users[h.UserID]
	if !ok {
		return
	}
	if _, present := conns[h.ConnectionID]; !present {
		return
	}
	delete(conns, h.ConnectionID)
	if len(conns) > 0 {
		return
	}
	delete(b.users, h.UserID)
	if r.listener != nil {
		r.listener.Offline(h.UserID, abrupt)
	}
}

func (r *MemoryRegistry) IsOnline(_ context.Context, userID domain.UserID) (bool, error) {
	b := r.bucket(userID)
	b.Lock()
	defer b.Unlock()
	return len(b.users[userID]) > 0, nil
}

// Connections returns how many handles userID currently holds.
func (r *MemoryRegistry) Connections(userID domain.UserID) int {
	b := r.bucket(userID)
	b.Lock()
	defer b.Unlock()
	return len(b.users[userID])
}

// OnlineUsers yields online users shard by shard. Each shard is copied under
// its lock, so a user online for the whole iteration is always yielded.
func (r *MemoryRegistry) OnlineUsers(ctx context.Context) iter.Seq[domain.UserID] {
	return func(yield func(domain.UserID) bool) {
		for _, b := range r.shards {
			if ctx.Err() != nil {
				return
			}
			b.Lock()
			ids := make([]domain.UserID, 0, len(b.users))
			for id := range b.users {
				ids = append(ids, id)
			}
			b.Unlock()
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

			for _, id := range ids {
				if !yield(id) {
					return
				}
			}
		}
	}
}
