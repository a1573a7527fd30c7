package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/apk-analysis/apk-security-analyzer/internal/repository"
	"github.com/sirupsen/logrus"
)

// PersistentStore 内存 LRU 在前、数据库在后的会话存储
// 写入同时落库，读取未命中时回源并重新放入缓存
type PersistentStore struct {
	cache  *LRUStore
	repo   repository.AnalysisRepository
	logger *logrus.Logger
}

// NewPersistentStore 创建持久化会话存储
func NewPersistentStore(cache *LRUStore, repo repository.AnalysisRepository, logger *logrus.Logger) *PersistentStore {
	return &PersistentStore{cache: cache, repo: repo, logger: logger}
}

// Put 写缓存并落库
func (s *PersistentStore) Put(ctx context.Context, sess *Session) error {
	_ = s.cache.Put(ctx, sess)

	record, err := ToRecord(sess)
	if err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, record); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// Get 先查缓存，未命中时回源数据库
func (s *PersistentStore) Get(ctx context.Context, id string) (*Session, error) {
	if sess, err := s.cache.Get(ctx, id); err == nil {
		return sess, nil
	}

	record, err := s.repo.FindBySessionID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess, err := FromRecord(record)
	if err != nil {
		return nil, err
	}

	s.logger.WithField("session_id", id).Debug("Session restored from database")
	_ = s.cache.Put(ctx, sess)
	return sess, nil
}

// Delete 同时删除缓存和数据库记录
func (s *PersistentStore) Delete(ctx context.Context, id string) error {
	_ = s.cache.Delete(ctx, id)
	return s.repo.Delete(ctx, id)
}

// Len 缓存中的会话数
func (s *PersistentStore) Len() int {
	return s.cache.Len()
}
