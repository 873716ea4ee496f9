// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (see session/filestore or
// session/mongostore).
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stelevm/stele/session"
)

// Store is an in-memory implementation of session.Store. It is safe for
// concurrent use.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*session.Session
	checkpoints map[string][]session.Checkpoint
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]*session.Session),
		checkpoints: make(map[string][]session.Checkpoint),
	}
}

// Save implements session.Store.
func (s *Store) Save(_ context.Context, sess *session.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return cloneSession(existing), nil
}

// Remove implements session.Store.
func (s *Store) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.checkpoints, id)
	return nil
}

// List implements session.Store.
func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Checkpoint implements session.Store.
func (s *Store) Checkpoint(_ context.Context, sess *session.Session, checkpointID string, at time.Time) (session.Checkpoint, error) {
	cp := session.Checkpoint{
		ID:           checkpointID,
		SessionID:    sess.ID,
		Context:      sess.Context.Clone(),
		CurrentBlock: sess.CurrentBlockID,
		GasConsumed:  sess.GasConsumed,
		CreatedAt:    at,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[sess.ID] = append(s.checkpoints[sess.ID], cp)
	s.sessions[sess.ID] = cloneSession(sess)
	return cp, nil
}

// Restore implements session.Store.
func (s *Store) Restore(_ context.Context, id string) (session.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[id]
	if len(list) == 0 {
		return session.Checkpoint{}, session.ErrCheckpointNotFound
	}
	latest := list[len(list)-1]
	latest.Context = latest.Context.Clone()
	return latest, nil
}

func cloneSession(in *session.Session) *session.Session {
	out := *in
	out.Context = in.Context.Clone()
	out.History = append([]session.HistoryEvent(nil), in.History...)
	out.Checkpoints = append([]session.Checkpoint(nil), in.Checkpoints...)
	if in.Awaiting != nil {
		a := *in.Awaiting
		out.Awaiting = &a
	}
	if in.Failure != nil {
		f := *in.Failure
		out.Failure = &f
	}
	return &out
}
