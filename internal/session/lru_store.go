package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCapacity = 256
	DefaultTTL      = time.Hour
)

// LRUStore 容量和存活时间都有上限的内存会话存储
type LRUStore struct {
	cache  *expirable.LRU[string, *Session]
	logger *logrus.Logger
}

// NewLRUStore 创建内存会话存储，capacity 或 ttl 非正时使用默认值
func NewLRUStore(capacity int, ttl time.Duration, logger *logrus.Logger) *LRUStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := &LRUStore{logger: logger}
	s.cache = expirable.NewLRU[string, *Session](capacity, s.onEvict, ttl)
	return s
}

func (s *LRUStore) onEvict(id string, _ *Session) {
	s.logger.WithField("session_id", id).Debug("Session evicted")
}

// Put 写入会话副本，调用方之后的修改不影响已存储的值
func (s *LRUStore) Put(_ context.Context, sess *Session) error {
	s.cache.Add(sess.ID, sess.Clone())
	return nil
}

// Get 读取会话副本
func (s *LRUStore) Get(_ context.Context, id string) (*Session, error) {
	sess, ok := s.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Delete 删除会话
func (s *LRUStore) Delete(_ context.Context, id string) error {
	s.cache.Remove(id)
	return nil
}

// Len 当前会话数
func (s *LRUStore) Len() int {
	return s.cache.Len()
}
