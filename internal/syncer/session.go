package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Sync modes
const (
	ModeFull          = "full"
	ModeIncremental   = "incremental"
	ModeEmergencyOnly = "emergency_only"
)

// Session statuses
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// PendingConflict retains the rejected client payload of one conflict
// so a later client-wins or merge resolution can replay it.
type PendingConflict struct {
	DataType        string                 `json:"data_type"`
	ItemID          string                 `json:"item_id"`
	ClientPayload   map[string]interface{} `json:"client_payload"`
	ClientTimestamp time.Time              `json:"client_timestamp"`
	ServerTimestamp time.Time              `json:"server_timestamp"`
}

// Session is one offline-to-online reconciliation session. It lives in
// the session store as a typed record with a TTL, never as ad hoc cache
// strings.
type Session struct {
	ID               string                      `json:"id"`
	UserID           string                      `json:"user_id"`
	DeviceID         string                      `json:"device_id"`
	Mode             string                      `json:"mode"`
	Status           string                      `json:"status"`
	TotalItems       int                         `json:"total_items"`
	SyncedItems      int                         `json:"synced_items"`
	ConflictItems    int                         `json:"conflict_items"`
	ErrorItems       int                         `json:"error_items"`
	PendingConflicts map[string]*PendingConflict `json:"pending_conflicts,omitempty"`
	CreatedAt        time.Time                   `json:"created_at"`
	LastActivityAt   time.Time                   `json:"last_activity_at"`
}

// conflictKey identifies one pending conflict within a session
func conflictKey(dataType, itemID string) string {
	return dataType + "/" + itemID
}

// clone copies the session together with its pending-conflict map so a
// stored record and a returned one never alias each other.
func (s *Session) clone() *Session {
	copied := *s
	if s.PendingConflicts != nil {
		copied.PendingConflicts = make(map[string]*PendingConflict, len(s.PendingConflicts))
		for key, conflict := range s.PendingConflicts {
			c := *conflict
			if conflict.ClientPayload != nil {
				c.ClientPayload = make(map[string]interface{}, len(conflict.ClientPayload))
				for field, value := range conflict.ClientPayload {
					c.ClientPayload[field] = value
				}
			}
			copied.PendingConflicts[key] = &c
		}
	}
	return &copied
}

// SessionStore persists sync sessions with a TTL
type SessionStore interface {
	Save(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	Delete(ctx context.Context, id string) error
}

// sessionKey builds the single store key for one session. All session
// key construction goes through here.
func sessionKey(id string) string {
	return "syncsess:" + id
}

// RedisSessionStore keeps sessions in Redis so any instance can serve a
// client's next batch.
type RedisSessionStore struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisSessionStore creates a Redis-backed session store
func NewRedisSessionStore(client *redis.Client, ttl, timeout time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, ttl: ttl, timeout: timeout}
}

// Save writes the session and refreshes its TTL
func (s *RedisSessionStore) Save(ctx context.Context, session *Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", session.ID, err)
	}
	if err := s.client.Set(ctx, sessionKey(session.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

// Get returns the session, or nil when absent or expired
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &session, nil
}

// List returns every stored session
func (s *RedisSessionStore) List(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	var cursor uint64
	for {
		keys, next, err := s.scanPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			data, err := s.readSession(ctx, key)
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read session %s: %w", key, err)
			}
			var session Session
			if err := json.Unmarshal(data, &session); err != nil {
				continue
			}
			sessions = append(sessions, &session)
		}
		cursor = next
		if cursor == 0 {
			return sessions, nil
		}
	}
}

func (s *RedisSessionStore) scanPage(ctx context.Context, cursor uint64) ([]string, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys, next, err := s.client.Scan(ctx, cursor, sessionKey("*"), 100).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return keys, next, nil
}

func (s *RedisSessionStore) readSession(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Get(ctx, key).Bytes()
}

// Delete removes the session
func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// MemorySessionStore keeps sessions in-process, for the development
// profile and tests.
type MemorySessionStore struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewMemorySessionStore creates an in-memory session store
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		cache: gocache.New(ttl, time.Minute),
		ttl:   ttl,
	}
}

// Save writes the session and refreshes its TTL
func (s *MemorySessionStore) Save(_ context.Context, session *Session) error {
	s.cache.Set(sessionKey(session.ID), session.clone(), s.ttl)
	return nil
}

// Get returns the session, or nil when absent or expired
func (s *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	if value, found := s.cache.Get(sessionKey(id)); found {
		return value.(*Session).clone(), nil
	}
	return nil, nil
}

// List returns every stored session
func (s *MemorySessionStore) List(_ context.Context) ([]*Session, error) {
	items := s.cache.Items()
	sessions := make([]*Session, 0, len(items))
	for key, item := range items {
		if !strings.HasPrefix(key, "syncsess:") {
			continue
		}
		sessions = append(sessions, item.Object.(*Session).clone())
	}
	return sessions, nil
}

// Delete removes the session
func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.cache.Delete(sessionKey(id))
	return nil
}
