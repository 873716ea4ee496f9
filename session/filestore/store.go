// Package filestore implements session.Store by writing each session and
// checkpoint as a JSON document under a configured directory:
// <dir>/<session_id>.json and <dir>/checkpoints/<session_id>_<checkpoint_id>.json.
// Directories are created on first use; files are overwritten on each
// mutation.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stelevm/stele/session"
)

// Store is a file-backed session.Store. Mutation of a single session is
// serialized through a per-session lock; unrelated sessions never block each
// other's I/O.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Store rooted at dir, creating dir and its checkpoints
// subdirectory if they do not already exist.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create session dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "checkpoints"), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create checkpoints dir: %w", err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) checkpointPath(sessionID, checkpointID string) string {
	return filepath.Join(s.dir, "checkpoints", sessionID+"_"+checkpointID+".json")
}

// sessionDoc and checkpointDoc are the on-disk JSON shapes. Context.Raw()
// is flattened into a plain map so the file is readable JSON rather than an
// opaque encoding of the unexported Context type.
type sessionDoc struct {
	ID             string                      `json:"id"`
	ContractID     string                      `json:"contract_id"`
	ResourceHandle string                      `json:"resource_handle"`
	Context        map[string]any              `json:"context"`
	GasLimit       int64                       `json:"gas_limit"`
	GasConsumed    int64                       `json:"gas_consumed"`
	Status         session.Status              `json:"status"`
	Awaiting       *session.AwaitingInput      `json:"awaiting_input,omitempty"`
	Failure        *session.Failure           `json:"failure,omitempty"`
	CurrentBlockID string                      `json:"current_block_id"`
	History        []session.HistoryEvent      `json:"history"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

type checkpointDoc struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	Context      map[string]any `json:"context"`
	CurrentBlock string         `json:"current_block"`
	GasConsumed  int64          `json:"gas_consumed"`
	CreatedAt    time.Time      `json:"created_at"`
}

func toDoc(sess *session.Session) sessionDoc {
	return sessionDoc{
		ID:             sess.ID,
		ContractID:     sess.ContractID,
		ResourceHandle: sess.ResourceHandle,
		Context:        sess.Context.Raw(),
		GasLimit:       sess.GasLimit,
		GasConsumed:    sess.GasConsumed,
		Status:         sess.Status,
		Awaiting:       sess.Awaiting,
		Failure:        sess.Failure,
		CurrentBlockID: sess.CurrentBlockID,
		History:        sess.History,
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      sess.UpdatedAt,
	}
}

func fromDoc(d sessionDoc) *session.Session {
	return &session.Session{
		ID:             d.ID,
		ContractID:     d.ContractID,
		ResourceHandle: d.ResourceHandle,
		Context:        session.NewContext(d.Context),
		GasLimit:       d.GasLimit,
		GasConsumed:    d.GasConsumed,
		Status:         d.Status,
		Awaiting:       d.Awaiting,
		Failure:        d.Failure,
		CurrentBlockID: d.CurrentBlockID,
		History:        d.History,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Save implements session.Store.
func (s *Store) Save(_ context.Context, sess *session.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("filestore: session id is required")
	}
	lock := s.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()
	return writeJSON(s.sessionPath(sess.ID), toDoc(sess))
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, id string) (*session.Session, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.sessionPath(id))
	if os.IsNotExist(err) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read session %s: %w", id, err)
	}
	var doc sessionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("filestore: decode session %s: %w", id, err)
	}
	return fromDoc(doc), nil
}

// Remove implements session.Store.
func (s *Store) Remove(_ context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.sessionPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "checkpoints", id+"_*.json"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// List implements session.Store.
func (s *Store) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(out)
	return out, nil
}

// Checkpoint implements session.Store.
func (s *Store) Checkpoint(_ context.Context, sess *session.Session, checkpointID string, at time.Time) (session.Checkpoint, error) {
	lock := s.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	doc := checkpointDoc{
		ID:           checkpointID,
		SessionID:    sess.ID,
		Context:      sess.Context.Clone().Raw(),
		CurrentBlock: sess.CurrentBlockID,
		GasConsumed:  sess.GasConsumed,
		CreatedAt:    at,
	}
	if err := writeJSON(s.checkpointPath(sess.ID, checkpointID), doc); err != nil {
		return session.Checkpoint{}, err
	}
	if err := writeJSON(s.sessionPath(sess.ID), toDoc(sess)); err != nil {
		return session.Checkpoint{}, err
	}
	return session.Checkpoint{
		ID:           doc.ID,
		SessionID:    doc.SessionID,
		Context:      session.NewContext(doc.Context),
		CurrentBlock: doc.CurrentBlock,
		GasConsumed:  doc.GasConsumed,
		CreatedAt:    doc.CreatedAt,
	}, nil
}

// Restore implements session.Store, returning the checkpoint with the
// lexicographically greatest id suffix (checkpoint ids are caller-assigned
// monotonically increasing strings, e.g. zero-padded sequence numbers).
func (s *Store) Restore(_ context.Context, id string) (session.Checkpoint, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "checkpoints", id+"_*.json"))
	if err != nil {
		return session.Checkpoint{}, err
	}
	if len(matches) == 0 {
		return session.Checkpoint{}, session.ErrCheckpointNotFound
	}
	sort.Strings(matches)
	latest := matches[len(matches)-1]

	data, err := os.ReadFile(latest)
	if err != nil {
		return session.Checkpoint{}, fmt.Errorf("filestore: read checkpoint: %w", err)
	}
	var doc checkpointDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return session.Checkpoint{}, fmt.Errorf("filestore: decode checkpoint: %w", err)
	}
	return session.Checkpoint{
		ID:           doc.ID,
		SessionID:    doc.SessionID,
		Context:      session.NewContext(doc.Context),
		CurrentBlock: doc.CurrentBlock,
		GasConsumed:  doc.GasConsumed,
		CreatedAt:    doc.CreatedAt,
	}, nil
}
