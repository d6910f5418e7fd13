package session

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/huddle/internal/model"
)

// memStore はテスト用のインメモリセッションストア。
// saveErr/findErr/deleteErrが設定されている場合はその関数の戻り値をエラーとして返す。
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	saves    int
	deletes  []string

	saveErr   func(attempt int) error
	findErr   error
	deleteErr func(attempt int) error
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*model.Session)}
}

func (s *memStore) Save(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		if err := s.saveErr(s.saves); err != nil {
			return err
		}
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) FindByID(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	sess, ok := s.sessions[id]
	if !ok || !sess.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	if s.deleteErr != nil {
		if err := s.deleteErr(len(s.deletes)); err != nil {
			return err
		}
	}
	delete(s.sessions, id)
	return nil
}

func (s *memStore) get(id string) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// fakeRecorder はFailureRecorderのテスト実装。
type fakeRecorder struct {
	mu        sync.Mutex
	failures  map[string]int
	retries   map[string]int
	latencies int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{failures: map[string]int{}, retries: map[string]int{}}
}

func (r *fakeRecorder) RecordSessionStoreFailure(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op]++
}

func (r *fakeRecorder) RecordSessionStoreRetry(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[op]++
}

func (r *fakeRecorder) RecordSessionWriteLatency(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies++
}

func (r *fakeRecorder) snapshot() (failures, retries map[string]int, latencies int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	failures = make(map[string]int)
	retries = make(map[string]int)
	for k, v := range r.failures {
		failures[k] = v
	}
	for k, v := range r.retries {
		retries[k] = v
	}
	return failures, retries, r.latencies
}

func fastPersisterConfig() PersisterConfig {
	return PersisterConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		AttemptTimeout: time.Second,
		MaxInFlight:    4,
	}
}
