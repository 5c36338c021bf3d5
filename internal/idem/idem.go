// Package idem remembers committed client_msg_id keys so a resent message
// returns the original commit instead of a new sequence.
package idem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"crew-chat-service/internal/models"
)

// DefaultTTL bounds how long a key is remembered.
const DefaultTTL = 24 * time.Hour

type Store interface {
	Lookup(ctx context.Context, groupID, senderID int64, clientMsgID string) (models.Message, bool, error)
	Remember(ctx context.Context, msg models.Message, ttl time.Duration) error
}

func key(groupID, senderID int64, clientMsgID string) string {
	return fmt.Sprintf("idem:group:%d:sender:%d:%s", groupID, senderID, clientMsgID)
}

type redisStore struct{ r *redis.Client }

// NewRedis builds a Store on a go-redis client.
func NewRedis(rdb *redis.Client) Store {
	return &redisStore{r: rdb}
}

func (s *redisStore) Lookup(ctx context.Context, groupID, senderID int64, clientMsgID string) (models.Message, bool, error) {
	raw, err := s.r.Get(ctx, key(groupID, senderID, clientMsgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, err
	}
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.Message{}, false, err
	}
	return msg, true, nil
}

func (s *redisStore) Remember(ctx context.Context, msg models.Message, ttl time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.r.SetNX(ctx, key(msg.GroupID, msg.SenderID, msg.ClientMsgID), body, ttl).Err()
}

type memoryEntry struct {
	msg     models.Message
	expires time.Time
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory builds a process-local Store.
func NewMemory() Store {
	return &memoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *memoryStore) Lookup(_ context.Context, groupID, senderID int64, clientMsgID string) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(groupID, senderID, clientMsgID)
	e, ok := s.entries[k]
	if !ok {
		return models.Message{}, false, nil
	}
	if s.now().After(e.expires) {
		delete(s.entries, k)
		return models.Message{}, false, nil
	}
	return e.msg, true, nil
}

func (s *memoryStore) Remember(_ context.Context, msg models.Message, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(msg.GroupID, msg.SenderID, msg.ClientMsgID)
	if e, ok := s.entries[k]; ok && !s.now().After(e.expires) {
		return nil
	}
	s.entries[k] = memoryEntry{msg: msg, expires: s.now().Add(ttl)}
	return nil
}
