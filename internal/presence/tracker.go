package presence

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"marketchat/internal/observability"
	"marketchat/internal/repositories"
)

const lastSeenKeyPrefix = "marketchat:last_seen:"

// StatusFunc is invoked on online/offline transitions and on heartbeats so
// the transport can broadcast userStatus events. excludeConnID names the
// originating connection, which must not receive its own status broadcast.
type StatusFunc func(userID int, online bool, lastSeen time.Time, excludeConnID string)

// Tracker maintains per-user connection counts and the persisted presence
// state. A user goes offline only when their last connection closes, so
// closing one tab while another stays open never flips the user offline.
type Tracker struct {
	repo     repositories.PresenceRepository
	rdb      *redis.Client
	ttl      time.Duration
	onStatus StatusFunc

	mu    sync.Mutex
	conns map[int]int
}

// NewTracker constructs a Tracker. rdb may be nil in single-instance mode;
// presence then lives only in the database and local memory.
func NewTracker(repo repositories.PresenceRepository, rdb *redis.Client, ttl time.Duration) *Tracker {
	return &Tracker{
		repo:  repo,
		rdb:   rdb,
		ttl:   ttl,
		conns: make(map[int]int),
	}
}

// SetStatusFunc wires the broadcast callback. Must be called before the
// first connection registers.
func (t *Tracker) SetStatusFunc(fn StatusFunc) {
	t.onStatus = fn
}

// RegisterConnection records a new connection for the user. The first
// connection marks the user online and broadcasts the transition.
func (t *Tracker) RegisterConnection(ctx context.Context, userID int, connID string) {
	t.mu.Lock()
	t.conns[userID]++
	first := t.conns[userID] == 1
	total := len(t.conns)
	t.mu.Unlock()

	observability.SetOnlineUsers(total)

	now := time.Now().UTC()
	if err := t.repo.SetStatus(ctx, userID, true, now); err != nil {
		log.Printf("presence persist failed user=%d: %v", userID, err)
	}
	t.touch(ctx, userID)

	if first && t.onStatus != nil {
		t.onStatus(userID, true, now, connID)
	}
}

// Heartbeat refreshes lastSeen and re-broadcasts online status. Periodic
// heartbeats disambiguate multi-tab and transient-disconnect situations.
func (t *Tracker) Heartbeat(ctx context.Context, userID int) {
	now := time.Now().UTC()
	if err := t.repo.SetStatus(ctx, userID, true, now); err != nil {
		log.Printf("presence heartbeat persist failed user=%d: %v", userID, err)
	}
	t.touch(ctx, userID)

	if t.onStatus != nil {
		t.onStatus(userID, true, now, "")
	}
}

// RemoveConnection records a closed connection. Only the last connection
// marks the user offline and broadcasts the transition.
func (t *Tracker) RemoveConnection(ctx context.Context, userID int) {
	t.mu.Lock()
	last := false
	if n, ok := t.conns[userID]; ok {
		n--
		if n <= 0 {
			delete(t.conns, userID)
			last = true
		} else {
			t.conns[userID] = n
		}
	}
	total := len(t.conns)
	t.mu.Unlock()

	observability.SetOnlineUsers(total)

	if !last {
		return
	}

	now := time.Now().UTC()
	if err := t.repo.SetStatus(ctx, userID, false, now); err != nil {
		log.Printf("presence persist failed user=%d: %v", userID, err)
	}
	if t.rdb != nil {
		if err := t.rdb.Del(ctx, t.lastSeenKey(userID)).Err(); err != nil {
			log.Printf("presence redis del failed user=%d: %v", userID, err)
		}
	}

	if t.onStatus != nil {
		t.onStatus(userID, false, now, "")
	}
}

// IsOnline reports whether the user has an active connection on this
// instance, or on any instance when Redis mirroring is available.
func (t *Tracker) IsOnline(ctx context.Context, userID int) bool {
	t.mu.Lock()
	local := t.conns[userID] > 0
	t.mu.Unlock()
	if local {
		return true
	}

	if t.rdb == nil {
		return false
	}
	exists, err := t.rdb.Exists(ctx, t.lastSeenKey(userID)).Result()
	if err != nil {
		return false
	}
	return exists > 0
}

// Shutdown marks every locally connected user offline. Called at process
// exit so presence rows do not stay online after a restart.
func (t *Tracker) Shutdown(ctx context.Context) {
	t.mu.Lock()
	users := make([]int, 0, len(t.conns))
	for userID := range t.conns {
		users = append(users, userID)
	}
	t.conns = make(map[int]int)
	t.mu.Unlock()

	now := time.Now().UTC()
	for _, userID := range users {
		if err := t.repo.SetStatus(ctx, userID, false, now); err != nil {
			log.Printf("presence shutdown persist failed user=%d: %v", userID, err)
		}
		if t.rdb != nil {
			_ = t.rdb.Del(ctx, t.lastSeenKey(userID)).Err()
		}
	}
	observability.SetOnlineUsers(0)
}

func (t *Tracker) touch(ctx context.Context, userID int) {
	if t.rdb == nil {
		return
	}
	err := t.rdb.SetEx(ctx, t.lastSeenKey(userID), strconv.FormatInt(time.Now().Unix(), 10), t.ttl).Err()
	if err != nil {
		log.Printf("presence redis touch failed user=%d: %v", userID, err)
	}
}

func (t *Tracker) lastSeenKey(userID int) string {
	return lastSeenKeyPrefix + strconv.Itoa(userID)
}
