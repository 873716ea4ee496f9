// Package session defines the durable session/checkpoint model driven by the
// orchestration coordinator: execution context, gas accounting, append-only
// history, and a pluggable Store for persistence.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Status tags a Session's lifecycle state (C4 state machine).
type Status string

const (
	// StatusRunning indicates the session is actively advancing blocks.
	StatusRunning Status = "running"
	// StatusAwaitingInput indicates an AgentInteraction block suspended the
	// session pending external input.
	StatusAwaitingInput Status = "awaiting_input"
	// StatusCompleted indicates the session reached Terminate successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the session failed fatally and will not advance.
	StatusFailed Status = "failed"
)

// AwaitingInput carries the suspension detail recorded when Status is
// StatusAwaitingInput: which interaction is pending, which agent owns it,
// and the prompt presented to the external party.
type AwaitingInput struct {
	InteractionID string
	AgentID       string
	Prompt        string
}

// Failure carries the terminal detail recorded when Status is StatusFailed.
type Failure struct {
	Reason string
}

// Context is the session's nested key/value execution state: initial_state,
// accumulated task/agent/workflow results, and the final result once
// computed. Keys are dot-free path segments; nested containers are built on
// demand by Set.
type Context struct {
	values map[string]any
}

// NewContext returns an empty execution context, optionally seeded with an
// initial_state document (typically the contract's initial_state AST
// literal evaluated up front).
func NewContext(initial map[string]any) *Context {
	if initial == nil {
		initial = make(map[string]any)
	}
	return &Context{values: initial}
}

// Clone deep-copies the context via JSON round-trip, giving checkpoints an
// independent snapshot immune to later in-place mutation.
func (c *Context) Clone() *Context {
	data, err := json.Marshal(c.values)
	if err != nil {
		// values only ever come from JSON-decoded or VM-encoded data, so
		// marshal failure here indicates caller misuse rather than a
		// recoverable runtime condition.
		panic("session: context is not JSON-serializable: " + err.Error())
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic("session: context clone round-trip failed: " + err.Error())
	}
	return &Context{values: out}
}

// Raw returns the underlying map for read access (e.g. prompt templating).
// Callers must not mutate the returned map directly; use Set.
func (c *Context) Raw() map[string]any { return c.values }

// Get reads the value at path, returning ok=false if any segment is absent.
func (c *Context) Get(path []string) (any, bool) {
	var cur any = c.values
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at path, creating missing intermediate map containers
// exactly once. created reports whether any new container or leaf key was
// introduced, versus an overwrite of an existing leaf.
func (c *Context) Set(path []string, value any) (created bool, err error) {
	if len(path) == 0 {
		return false, errors.New("session: empty output_path")
	}
	cur := c.values
	for _, seg := range path[:len(path)-1] {
		next, ok := cur[seg]
		if !ok {
			m := make(map[string]any)
			cur[seg] = m
			cur = m
			created = true
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return false, errors.New("session: output_path segment " + seg + " is not a container")
		}
		cur = m
	}
	leaf := path[len(path)-1]
	if _, exists := cur[leaf]; !exists {
		created = true
	}
	cur[leaf] = value
	return created, nil
}

// HistoryEventKind tags the append-only events recorded against a session.
type HistoryEventKind string

const (
	HistoryBlockStarted       HistoryEventKind = "block_started"
	HistoryBlockCompleted     HistoryEventKind = "block_completed"
	HistoryContextUpdated     HistoryEventKind = "context_updated"
	HistoryAgentInteraction   HistoryEventKind = "agent_interaction_completed"
	HistoryCheckpointCreated  HistoryEventKind = "checkpoint_created"
	HistoryTaskResult         HistoryEventKind = "task_result"
	HistoryTaskFailure        HistoryEventKind = "task_failure"
	HistoryWorkflowResult     HistoryEventKind = "workflow_result"
	HistoryParallelResult     HistoryEventKind = "parallel_result"
)

// HistoryEvent is one immutable entry in a session's execution history.
type HistoryEvent struct {
	Kind      HistoryEventKind
	BlockID   string
	Timestamp time.Time
	Detail    map[string]any
}

// Checkpoint is an immutable snapshot of a session's execution context,
// current block id, and gas consumed at the moment it was taken.
type Checkpoint struct {
	ID            string
	SessionID     string
	Context       *Context
	CurrentBlock  string
	GasConsumed   int64
	CreatedAt     time.Time
}

// Session is the durable record of one contract execution: the flow
// reference, execution context, allocated resource handle, gas budget, and
// state-machine status, together with its append-only history and ordered
// checkpoints.
type Session struct {
	ID             string
	ContractID     string
	ResourceHandle string
	Context        *Context
	GasLimit       int64
	GasConsumed    int64
	Status         Status
	Awaiting       *AwaitingInput
	Failure        *Failure
	CurrentBlockID string
	History        []HistoryEvent
	Checkpoints    []Checkpoint
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Append adds a history event, stamping its timestamp if unset.
func (s *Session) Append(kind HistoryEventKind, blockID string, at time.Time, detail map[string]any) {
	if at.IsZero() {
		at = time.Now()
	}
	s.History = append(s.History, HistoryEvent{Kind: kind, BlockID: blockID, Timestamp: at, Detail: detail})
}

// HistoryPage is a forward page of a session's history events.
type HistoryPage struct {
	Events []HistoryEvent
	// NextCursor is the cursor to pass to the next ListHistory call. Empty
	// when there are no further events.
	NextCursor string
}

// ListHistory returns the next forward page of history events starting
// after cursor (empty to start from the beginning). Cursor is opaque to
// callers; since a Session's history travels with the session record
// rather than its own store, it is simply the string index of the next
// unread event. A non-positive limit returns every remaining event.
func (s *Session) ListHistory(cursor string, limit int) (HistoryPage, error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return HistoryPage{}, fmt.Errorf("session: invalid history cursor %q", cursor)
		}
		start = n
	}
	if start >= len(s.History) {
		return HistoryPage{}, nil
	}
	end := len(s.History)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	page := HistoryPage{Events: s.History[start:end]}
	if end < len(s.History) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// RemainingGas returns the gas budget left before GasLimit is reached.
func (s *Session) RemainingGas() int64 {
	remaining := s.GasLimit - s.GasConsumed
	if remaining < 0 {
		return 0
	}
	return remaining
}

var (
	// ErrSessionNotFound indicates a session does not exist in the store.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionNotAwaitingInput indicates resume was called on a session
	// that is not currently suspended.
	ErrSessionNotAwaitingInput = errors.New("session: not awaiting input")
	// ErrCheckpointNotFound indicates a restore target does not exist.
	ErrCheckpointNotFound = errors.New("session: checkpoint not found")
)

// Store persists sessions and their checkpoints. Implementations must
// serialize mutation of a single session (the Coordinator already owns
// exclusive in-process access while advancing one, but a Store backing
// multiple Coordinator processes must still guard against concurrent
// writers) and must not block progress on unrelated sessions.
//
// A nil Store is a valid no-op: callers that never configure one get
// in-memory-only persistence and no durability across process restarts.
type Store interface {
	// Save persists the full session state, overwriting any prior record.
	Save(ctx context.Context, sess *Session) error
	// Load returns the session for id, or ErrSessionNotFound.
	Load(ctx context.Context, id string) (*Session, error)
	// Remove deletes a session and its checkpoints.
	Remove(ctx context.Context, id string) error
	// List returns every known session id.
	List(ctx context.Context) ([]string, error)
	// Checkpoint appends a new checkpoint for the session and persists it.
	Checkpoint(ctx context.Context, sess *Session, checkpointID string, at time.Time) (Checkpoint, error)
	// Restore loads the most recently stored checkpoint for id.
	Restore(ctx context.Context, id string) (Checkpoint, error)
}
