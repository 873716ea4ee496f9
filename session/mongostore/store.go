// Package mongostore implements session.Store on top of MongoDB
// (go.mongodb.org/mongo-driver/v2): one sessions collection holding the full
// session document (context, gas, status, history) and one checkpoints
// collection holding append-only checkpoint snapshots, both keyed by
// session id.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/stelevm/stele/session"
)

const (
	defaultSessionsCollection   = "stele_sessions"
	defaultCheckpointsCollection = "stele_checkpoints"
	defaultOpTimeout            = 5 * time.Second
)

// Options configures a Store.
type Options struct {
	Client                *mongo.Client
	Database              string
	SessionsCollection    string
	CheckpointsCollection string
	Timeout               time.Duration
}

// Store implements session.Store against MongoDB collections.
type Store struct {
	sessions    *mongo.Collection
	checkpoints *mongo.Collection
	timeout     time.Duration
}

// New builds a Store from an already-connected *mongo.Client, ensuring the
// session-id index exists on both collections.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	sessColl := opts.SessionsCollection
	if sessColl == "" {
		sessColl = defaultSessionsCollection
	}
	cpColl := opts.CheckpointsCollection
	if cpColl == "" {
		cpColl = defaultCheckpointsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		sessions:    db.Collection(sessColl),
		checkpoints: db.Collection(cpColl),
		timeout:     timeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongostore: ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.checkpoints.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "checkpoint_id", Value: 1}},
	})
	return err
}

// sessionDoc is the on-wire BSON shape for a session.Session, flattening
// Context.Raw() so the document is readable and queryable rather than an
// opaque encoding of the unexported Context type.
type sessionDoc struct {
	SessionID      string                 `bson:"session_id"`
	ContractID     string                 `bson:"contract_id"`
	ResourceHandle string                 `bson:"resource_handle"`
	Context        map[string]any         `bson:"context"`
	GasLimit       int64                  `bson:"gas_limit"`
	GasConsumed    int64                  `bson:"gas_consumed"`
	Status         session.Status         `bson:"status"`
	Awaiting       *session.AwaitingInput `bson:"awaiting_input,omitempty"`
	Failure        *session.Failure       `bson:"failure,omitempty"`
	CurrentBlockID string                 `bson:"current_block_id"`
	History        []session.HistoryEvent `bson:"history"`
	CreatedAt      time.Time              `bson:"created_at"`
	UpdatedAt      time.Time              `bson:"updated_at"`
}

type checkpointDoc struct {
	SessionID    string         `bson:"session_id"`
	CheckpointID string         `bson:"checkpoint_id"`
	Context      map[string]any `bson:"context"`
	CurrentBlock string         `bson:"current_block"`
	GasConsumed  int64          `bson:"gas_consumed"`
	CreatedAt    time.Time      `bson:"created_at"`
}

func toDoc(sess *session.Session) sessionDoc {
	return sessionDoc{
		SessionID:      sess.ID,
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
		ID:             d.SessionID,
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

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Save implements session.Store, upserting the full session document.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	if sess.ID == "" {
		return errors.New("mongostore: session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sess.ID}
	update := bson.M{"$set": toDoc(sess)}
	_, err := s.sessions.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: save session %s: %w", sess.ID, err)
	}
	return nil
}

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, id string) (*session.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.M{"session_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: load session %s: %w", id, err)
	}
	return fromDoc(doc), nil
}

// Remove implements session.Store, deleting the session document and every
// checkpoint recorded for it.
func (s *Store) Remove(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.sessions.DeleteOne(ctx, bson.M{"session_id": id}); err != nil {
		return fmt.Errorf("mongostore: remove session %s: %w", id, err)
	}
	if _, err := s.checkpoints.DeleteMany(ctx, bson.M{"session_id": id}); err != nil {
		return fmt.Errorf("mongostore: remove checkpoints for %s: %w", id, err)
	}
	return nil
}

// List implements session.Store.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.sessions.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"session_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list sessions: %w", err)
	}
	defer cur.Close(ctx)
	var out []string
	for cur.Next(ctx) {
		var row struct {
			SessionID string `bson:"session_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("mongostore: decode session id: %w", err)
		}
		out = append(out, row.SessionID)
	}
	return out, cur.Err()
}

// Checkpoint implements session.Store, inserting an immutable checkpoint
// document and persisting the session's current state alongside it.
func (s *Store) Checkpoint(ctx context.Context, sess *session.Session, checkpointID string, at time.Time) (session.Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := checkpointDoc{
		SessionID:    sess.ID,
		CheckpointID: checkpointID,
		Context:      sess.Context.Clone().Raw(),
		CurrentBlock: sess.CurrentBlockID,
		GasConsumed:  sess.GasConsumed,
		CreatedAt:    at,
	}
	if _, err := s.checkpoints.InsertOne(ctx, doc); err != nil {
		return session.Checkpoint{}, fmt.Errorf("mongostore: insert checkpoint: %w", err)
	}
	if _, err := s.sessions.UpdateOne(ctx, bson.M{"session_id": sess.ID},
		bson.M{"$set": toDoc(sess)}, options.UpdateOne().SetUpsert(true)); err != nil {
		return session.Checkpoint{}, fmt.Errorf("mongostore: persist session after checkpoint: %w", err)
	}
	return session.Checkpoint{
		ID:           checkpointID,
		SessionID:    sess.ID,
		Context:      session.NewContext(doc.Context),
		CurrentBlock: doc.CurrentBlock,
		GasConsumed:  doc.GasConsumed,
		CreatedAt:    doc.CreatedAt,
	}, nil
}

// Restore implements session.Store, returning the most recently created
// checkpoint for id.
func (s *Store) Restore(ctx context.Context, id string) (session.Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc checkpointDoc
	err := s.checkpoints.FindOne(ctx, bson.M{"session_id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return session.Checkpoint{}, session.ErrCheckpointNotFound
	}
	if err != nil {
		return session.Checkpoint{}, fmt.Errorf("mongostore: restore checkpoint for %s: %w", id, err)
	}
	return session.Checkpoint{
		ID:           doc.CheckpointID,
		SessionID:    doc.SessionID,
		Context:      session.NewContext(doc.Context),
		CurrentBlock: doc.CurrentBlock,
		GasConsumed:  doc.GasConsumed,
		CreatedAt:    doc.CreatedAt,
	}, nil
}

var _ session.Store = (*Store)(nil)
