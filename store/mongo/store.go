// Package mongo implements store.Store on MongoDB through the grove
// mongodriver. Each user is one document with its events embedded, so
// grants are atomic without multi-document transactions. The embedded
// history keeps the newest 500 events; ListRecentEvents never reaches
// further back than that.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/credits"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/syncstate"
	"github.com/xraph/credits/types"
)

// Collection name constants.
const (
	colBalances   = "credit_balances"
	colSyncStates = "credit_sync_states"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// collection is the part of *mongo.Collection the ledger writes go through.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongo.SingleResult
	FindOneAndUpdate(ctx context.Context, filter, update any, opts ...options.Lister[options.FindOneAndUpdateOptions]) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongo.UpdateResult, error)
}

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB

	balances   collection
	syncStates collection
}

// Open connects to uri (the database name comes from its path), wraps the
// client in a grove handle and pings it.
func Open(ctx context.Context, uri string) (*Store, error) {
	mdb := mongodriver.New()
	if err := mdb.Open(ctx, uri); err != nil {
		return nil, fmt.Errorf("credits/mongo: open: %w", err)
	}
	db, err := grove.Open(mdb)
	if err != nil {
		_ = mdb.Close() //nolint:errcheck // best-effort cleanup after failed open
		return nil, fmt.Errorf("credits/mongo: open: %w", err)
	}

	s := New(db)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close() //nolint:errcheck // best-effort cleanup after failed ping
		return nil, fmt.Errorf("credits/mongo: ping: %w", err)
	}
	return s, nil
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	mdb := mongodriver.Unwrap(db)
	return &Store{
		db:         db,
		mdb:        mdb,
		balances:   mdb.Collection(colBalances),
		syncStates: mdb.Collection(colSyncStates),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for the credits collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("credits/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Ledger Store ====================

// withoutEvents keeps the embedded history out of balance reads.
var withoutEvents = bson.M{"events": 0}

func (s *Store) UpsertUser(ctx context.Context, ident ledger.Identity) (*ledger.Balance, error) {
	m, err := s.upsertBalance(ctx, bson.M{"_id": ident.Email}, userUpdate(ident, now()), credits.ErrTransactionFailed)
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: upsert user: %w", err)
	}
	return fromBalanceModel(m), nil
}

func (s *Store) GetBalance(ctx context.Context, email string) (*ledger.Balance, error) {
	var m balanceModel
	err := s.balances.
		FindOne(ctx, bson.M{"_id": email}, options.FindOne().SetProjection(withoutEvents)).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get balance: %w", err)
	}
	return fromBalanceModel(&m), nil
}

// ApplyGrant increments the counters and appends the event in one
// single-document update. When a counter has no room for the grant the
// filter stops matching, the upsert collides with the existing document
// twice and the grant is refused with ErrBalanceOverflow.
func (s *Store) ApplyGrant(ctx context.Context, ev *ledger.Event) (*ledger.Balance, error) {
	m, err := s.upsertBalance(ctx, grantFilter(ev.Email, ev.Credits.Amount), grantUpdate(ev), credits.ErrBalanceOverflow)
	if err != nil {
		return nil, fmt.Errorf("credits/mongo: apply grant: %w", err)
	}
	return fromBalanceModel(m), nil
}

// upsertBalance retries once on a duplicate key: two concurrent
// upserts of a missing document race on insert and the loser must apply
// its update to the winner's document. A second collision means the
// document exists but filter rejects it, reported as conflict.
func (s *Store) upsertBalance(ctx context.Context, filter, update bson.M, conflict error) (*balanceModel, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(withoutEvents)

	var m balanceModel
	err := s.balances.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if mongo.IsDuplicateKeyError(err) {
		m = balanceModel{}
		err = s.balances.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	}
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %w", conflict, err)
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListRecentEvents(ctx context.Context, email string, limit int) ([]*ledger.Event, error) {
	projection := bson.M{"events": 1}
	if limit > 0 {
		projection = bson.M{"events": bson.M{"$slice": -limit}}
	}

	var m balanceModel
	err := s.balances.
		FindOne(ctx, bson.M{"_id": email}, options.FindOne().SetProjection(projection)).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return []*ledger.Event{}, nil
		}
		return nil, fmt.Errorf("credits/mongo: list events: %w", err)
	}

	result := make([]*ledger.Event, 0, len(m.Events))
	for i := range slices.Backward(m.Events) {
		ev, err := fromEventModel(email, &m.Events[i])
		if err != nil {
			return nil, fmt.Errorf("credits/mongo: decode event: %w", err)
		}
		result = append(result, ev)
	}
	return result, nil
}

func (s *Store) SetMonthlySpend(ctx context.Context, email string, spend types.Money) error {
	res, err := s.balances.UpdateOne(ctx,
		bson.M{"_id": email},
		bson.M{"$set": bson.M{"monthly_spend_cents": spend.Amount, "updated_at": now()}},
	)
	if err != nil {
		return fmt.Errorf("credits/mongo: set monthly spend: %w", err)
	}
	if res.MatchedCount == 0 {
		return credits.ErrBalanceNotFound
	}
	return nil
}

// ==================== Sync State Store ====================

func (s *Store) SaveSyncState(ctx context.Context, st *syncstate.State) error {
	m := toSyncStateModel(st)
	_, err := s.syncStates.UpdateOne(ctx,
		bson.M{"_id": m.Email},
		syncStateUpdate(m),
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("credits/mongo: save sync state: %w", err)
	}
	return nil
}

func (s *Store) GetSyncState(ctx context.Context, email string) (*syncstate.State, error) {
	var m syncStateModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": email}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrSyncStateNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get sync state: %w", err)
	}
	return fromSyncStateModel(&m), nil
}

func (s *Store) ListPendingSync(ctx context.Context, limit int) ([]*syncstate.State, error) {
	var models []syncStateModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{"pending": true}).
		Sort(bson.D{{Key: "last_attempt_at", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list pending sync: %w", err)
	}

	result := make([]*syncstate.State, len(models))
	for i := range models {
		result[i] = fromSyncStateModel(&models[i])
	}
	return result, nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all credits collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colBalances: {
			{Keys: bson.D{{Key: "updated_at", Value: -1}}},
		},
		colSyncStates: {
			{Keys: bson.D{{Key: "pending", Value: 1}, {Key: "last_attempt_at", Value: 1}}},
		},
	}
}
