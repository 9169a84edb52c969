// File: internal/services/presence/redis_registry.go
package presence

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iyunix/go-smilin/internal/domain"
)

// KEYS[1] = connection set of the user, KEYS[2] = online set,
// KEYS[3] = connection hash of the node, KEYS[4] = node lease,
// KEYS[5] = node set
// ARGV[1] = connection id, ARGV[2] = user id, ARGV[3] = node, ARGV[4] = lease ms
// Returns 1 when the user went from zero to one connection.
var registerScript = redis.NewScript(`
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('SET', KEYS[4], '1', 'PX', ARGV[4])
redis.call('SADD', KEYS[5], ARGV[3])
local added = redis.call('SADD', KEYS[1], ARGV[1])
if added == 1 and redis.call('SCARD', KEYS[1]) == 1 then
  redis.call('SADD', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// Returns 1 when the user went from one to zero connections.
var unregisterScript = redis.NewScript(`
redis.call('HDEL', KEYS[3], ARGV[1])
local removed = redis.call('SREM', KEYS[1], ARGV[1])
if removed == 1 and redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// KEYS[1] = node lease, KEYS[2] = node set
// ARGV[1] = lease ms, ARGV[2] = node
// Returns 0 when the lease had already lapsed.
var heartbeatScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return existed
`)

// KEYS[1] = connection hash of the dead node, KEYS[2] = its lease,
// KEYS[3] = online set, KEYS[4] = node set
// ARGV[1] = connection set key prefix, ARGV[2] = dead node
// Returns the users whose last connection lived on the dead node. Nothing is
// reaped while the lease exists.
var reapScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {}
end
local gone = {}
local entries = redis.call('HGETALL', KEYS[1])
for i = 1, #entries, 2 do
  local key = ARGV[1] .. entries[i + 1]
  if redis.call('SREM', key, entries[i]) == 1 and redis.call('SCARD', key) == 0 then
    redis.call('SREM', KEYS[3], entries[i + 1])
    table.insert(gone, entries[i + 1])
  end
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[4], ARGV[2])
return gone
`)

const (
	onlineScanBatch    = 200
	DefaultNodeTTL     = 30 * time.Second
	minNodeTTL         = 3 * time.Second
	heartbeatsPerLease = 3
)

// RedisRegistry keeps the handle sets in Redis so that every node agrees on
// who is online. Transitions are detected atomically by Lua scripts and
// reported to the listener of the node that caused them.
//
// Each node holds a lease key refreshed by Run. When a node stops
// refreshing, the next sweep on a live node removes its connections and
// reports the users that lost their last one as abruptly disconnected.
type RedisRegistry struct {
	client   *redis.Client
	prefix   string
	node     string
	ttl      time.Duration
	listener TransitionListener
	logger   Logger

	// serializes script+callback per user on this node
	locks [shardCount]sync.Mutex

	localMu sync.Mutex
	local   map[domain.ConnectionID]domain.UserID
}

type RedisRegistryOption func(*RedisRegistry)

// WithNodeTTL sets how long the node lease survives without a heartbeat.
func WithNodeTTL(d time.Duration) RedisRegistryOption {
	return func(r *RedisRegistry) {
		if d > 0 {
			r.ttl = max(d, minNodeTTL)
		}
	}
}

func NewRedisRegistry(client *redis.Client, prefix, node string, listener TransitionListener, logger Logger, opts ...RedisRegistryOption) *RedisRegistry {
	if prefix == "" {
		prefix = "smilin"
	}
	if node == "" {
		node = "default"
	}
	r := &RedisRegistry{
		client:   client,
		prefix:   prefix,
		node:     node,
		ttl:      DefaultNodeTTL,
		listener: listener,
		logger:   logger,
		local:    make(map[domain.ConnectionID]domain.UserID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRegistry) connPrefix() string {
	return r.prefix + ":presence:conns:"
}

func (r *RedisRegistry) connKey(userID domain.UserID) string {
	return r.connPrefix() + string(userID)
}

func (r *RedisRegistry) onlineKey() string {
	return r.prefix + ":presence:online"
}

func (r *RedisRegistry) nodesKey() string {
	return r.prefix + ":presence:nodes"
}

func (r *RedisRegistry) nodeConnsKey(node string) string {
	return fmt.Sprintf("%s:presence:node:%s:conns", r.prefix, node)
}

func (r *RedisRegistry) leaseKey(node string) string {
	return fmt.Sprintf("%s:presence:node:%s:alive", r.prefix, node)
}

func (r *RedisRegistry) lock(userID domain.UserID) *sync.Mutex {
	return &r.locks[shardFor(string(userID))]
}

func (r *RedisRegistry) Register(ctx context.Context, h domain.ConnectionHandle) error {
	if h.IsZero() {
		return domain.NewValidationError("register", "connection handle is incomplete")
	}
	mu := r.lock(h.UserID)
	mu.Lock()
	defer mu.Unlock()

	if err := r.registerLocked(ctx, h); err != nil {
		return err
	}
	r.localMu.Lock()
	r.local[h.ConnectionID] = h.UserID
	r.localMu.Unlock()
	return nil
}

func (r *RedisRegistry) registerLocked(ctx context.Context, h domain.ConnectionHandle) error {
	went, err := registerScript.Run(ctx, r.client,
		[]string{r.connKey(h.UserID), r.onlineKey(), r.nodeConnsKey(r.node), r.leaseKey(r.node), r.nodesKey()},
		string(h.ConnectionID), string(h.UserID), r.node, r.ttl.Milliseconds()).Int()
	if err != nil {
		return domain.NewTransportError("register", "", err)
	}
	if went == 1 && r.listener != nil {
		r.listener.Online(h.UserID)
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, h domain.ConnectionHandle) error {
	return r.remove(ctx, h, false)
}

func (r *RedisRegistry) Drop(ctx context.Context, h domain.ConnectionHandle) error {
	return r.remove(ctx, h, true)
}

func (r *RedisRegistry) remove(ctx context.Context, h domain.ConnectionHandle, abrupt bool) error {
	mu := r.lock(h.UserID)
	mu.Lock()
	defer mu.Unlock()

	r.localMu.Lock()
	delete(r.local, h.ConnectionID)
	r.localMu.Unlock()

	went, err := unregisterScript.Run(ctx, r.client,
		[]string{r.connKey(h.UserID), r.onlineKey(), r.nodeConnsKey(r.node)},
		string(h.ConnectionID), string(h.UserID)).Int()
	if err != nil {
		return domain.NewTransportError("unregister", "", err)
	}
	if went == 1 && r.listener != nil {
		r.listener.Offline(h.UserID, abrupt)
	}
	return nil
}

func (r *RedisRegistry) IsOnline(ctx context.Context, userID domain.UserID) (bool, error) {
	n, err := r.client.SCard(ctx, r.connKey(userID)).Result()
	if err != nil {
		return false, domain.NewTransportError("is_online", "", err)
	}
	return n > 0, nil
}

// OnlineUsers walks the online set with SSCAN. A failed page ends the
// sequence early and is logged.
func (r *RedisRegistry) OnlineUsers(ctx context.Context) iter.Seq[domain.UserID] {
	return func(yield func(domain.UserID) bool) {
		var cursor uint64
		// SSCAN may return a member more than once
		seen := make(map[string]struct{})
		for {
			ids, next, err := r.client.SScan(ctx, r.onlineKey(), cursor, "", onlineScanBatch).Result()
			if err != nil {
				if r.logger != nil {
					r.logger.Warn("online users scan failed", "error", err)
				}
				return
			}
			for _, id := range ids {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if !yield(domain.UserID(id)) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

// Run keeps the node lease alive and reaps dead nodes until ctx ends.
func (r *RedisRegistry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.ttl / heartbeatsPerLease)
	defer ticker.Stop()

	r.logger.Info("presence registry lease started", "node", r.node, "ttl", r.ttl.String())
	for {
		if err := r.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("presence heartbeat failed", "node", r.node, "error", err)
		}
		if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("presence sweep failed", "node", r.node, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Heartbeat refreshes the node lease. If the lease had lapsed, other nodes
// may already have reaped this node, so every local handle is registered
// again.
func (r *RedisRegistry) Heartbeat(ctx context.Context) error {
	existed, err := heartbeatScript.Run(ctx, r.client,
		[]string{r.leaseKey(r.node), r.nodesKey()},
		r.ttl.Milliseconds(), r.node).Int()
	if err != nil {
		return domain.NewTransportError("heartbeat", "", err)
	}
	if existed == 1 {
		return nil
	}

	r.localMu.Lock()
	handles := make([]domain.ConnectionHandle, 0, len(r.local))
	for conn, user := range r.local {
		handles = append(handles, domain.ConnectionHandle{UserID: user, ConnectionID: conn})
	}
	r.localMu.Unlock()
	if len(handles) == 0 {
		return nil
	}

	r.logger.Warn("presence lease lapsed, restoring connections", "node", r.node, "connections", len(handles))
	for _, h := range handles {
		if err := r.restore(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisRegistry) restore(ctx context.Context, h domain.ConnectionHandle) error {
	mu := r.lock(h.UserID)
	mu.Lock()
	defer mu.Unlock()

	r.localMu.Lock()
	_, still := r.local[h.ConnectionID]
	r.localMu.Unlock()
	if !still {
		return nil
	}
	return r.registerLocked(ctx, h)
}

// Sweep reaps every other node whose lease has expired.
func (r *RedisRegistry) Sweep(ctx context.Context) error {
	nodes, err := r.client.SMembers(ctx, r.nodesKey()).Result()
	if err != nil {
		return domain.NewTransportError("sweep", "", err)
	}
	for _, node := range nodes {
		if node == r.node {
			continue
		}
		if err := r.reap(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisRegistry) reap(ctx context.Context, node string) error {
	users, err := reapScript.Run(ctx, r.client,
		[]string{r.nodeConnsKey(node), r.leaseKey(node), r.onlineKey(), r.nodesKey()},
		r.connPrefix(), node).StringSlice()
	if err != nil {
		return domain.NewTransportError("reap", "", err)
	}
	if len(users) == 0 {
		return nil
	}
	r.logger.Warn("reaped connections of a dead node", "dead_node", node, "users", len(users))

	for _, u := range users {
		r.reportReaped(ctx, domain.UserID(u))
	}
	return nil
}

func (r *RedisRegistry) reportReaped(ctx context.Context, userID domain.UserID) {
	mu := r.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	// a connection registered here since the reap already reported Online
	if n, err := r.client.SCard(ctx, r.connKey(userID)).Result(); err == nil && n > 0 {
		return
	}
	if r.listener != nil {
		r.listener.Offline(userID, true)
	}
}
