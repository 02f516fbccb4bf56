package mongo

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/credits"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/storetest"
	"github.com/xraph/credits/syncstate"
	"github.com/xraph/credits/types"
)

var errDuplicate = mongo.CommandError{Code: 11000, Message: "E11000 duplicate key error"}

// fakeCollection replays scripted results and records what it was sent.
type fakeCollection struct {
	findOne    func(projection any) *mongo.SingleResult
	findUpdate []func() *mongo.SingleResult
	updateOne  func() (*mongo.UpdateResult, error)

	filters []any
	updates []any
	upsert  *bool
}

func (f *fakeCollection) FindOne(_ context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongo.SingleResult {
	f.filters = append(f.filters, filter)
	var args options.FindOneOptions
	for _, o := range opts {
		for _, set := range o.List() {
			_ = set(&args)
		}
	}
	return f.findOne(args.Projection)
}

func (f *fakeCollection) FindOneAndUpdate(_ context.Context, filter, update any, _ ...options.Lister[options.FindOneAndUpdateOptions]) *mongo.SingleResult {
	f.filters = append(f.filters, filter)
	f.updates = append(f.updates, update)
	next := f.findUpdate[0]
	f.findUpdate = f.findUpdate[1:]
	return next()
}

func (f *fakeCollection) UpdateOne(_ context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongo.UpdateResult, error) {
	f.filters = append(f.filters, filter)
	f.updates = append(f.updates, update)
	var args options.UpdateOneOptions
	for _, o := range opts {
		for _, set := range o.List() {
			_ = set(&args)
		}
	}
	f.upsert = args.Upsert
	return f.updateOne()
}

func document(doc any) func() *mongo.SingleResult {
	return func() *mongo.SingleResult { return mongo.NewSingleResultFromDocument(doc, nil, nil) }
}

func failing(err error) func() *mongo.SingleResult {
	return func() *mongo.SingleResult { return mongo.NewSingleResultFromDocument(bson.D{}, err, nil) }
}

func TestStoreContract(t *testing.T) {
	uri := os.Getenv("CREDITS_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("set CREDITS_TEST_MONGO_URI to run against MongoDB")
	}

	ctx := context.Background()
	s, err := Open(ctx, uri)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	storetest.Run(t, func(t *testing.T) store.Store { return s })
}

func TestListRecentEventsNewestFirst(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := make([]eventModel, 3)
	for i := range stored {
		stored[i] = eventModel{
			ID:           id.NewCreditEventID().String(),
			Kind:         string(ledger.KindManualTopUp),
			CreditsCents: int64(100 * (i + 1)),
			Currency:     "usd",
			Tier:         "none",
			CreatedAt:    at.Add(time.Duration(i) * time.Minute),
		}
	}

	tests := []struct {
		name           string
		limit          int
		wantProjection bson.M
		returned       []eventModel
		want           []int64
	}{
		{
			name:           "limited",
			limit:          2,
			wantProjection: bson.M{"events": bson.M{"$slice": -2}},
			returned:       stored[1:],
			want:           []int64{300, 200},
		},
		{
			name:           "all",
			limit:          0,
			wantProjection: bson.M{"events": 1},
			returned:       stored,
			want:           []int64{300, 200, 100},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := &fakeCollection{findOne: func(projection any) *mongo.SingleResult {
				if !equalBSON(t, projection, tt.wantProjection) {
					t.Fatalf("projection = %v, want %v", projection, tt.wantProjection)
				}
				return mongo.NewSingleResultFromDocument(balanceModel{Email: "ada@example.com", Events: tt.returned}, nil, nil)
			}}
			s := &Store{balances: coll}

			events, err := s.ListRecentEvents(context.Background(), "ada@example.com", tt.limit)
			if err != nil {
				t.Fatalf("ListRecentEvents: %v", err)
			}
			if len(events) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(events), len(tt.want))
			}
			for i, ev := range events {
				if ev.Credits != types.USD(tt.want[i]) || ev.Email != "ada@example.com" {
					t.Fatalf("event %d = %s for %s, want %s", i, ev.Credits, ev.Email, types.USD(tt.want[i]))
				}
			}
		})
	}
}

func TestListRecentEventsUnknownUser(t *testing.T) {
	coll := &fakeCollection{findOne: func(any) *mongo.SingleResult {
		return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
	}}
	s := &Store{balances: coll}

	events, err := s.ListRecentEvents(context.Background(), "ghost@example.com", 5)
	if err != nil {
		t.Fatalf("ListRecentEvents: %v", err)
	}
	if events == nil || len(events) != 0 {
		t.Fatalf("events = %v, want empty", events)
	}
}

func TestApplyGrantDuplicateKey(t *testing.T) {
	ev := &ledger.Event{
		ID: id.NewCreditEventID(), Email: "ada@example.com", Kind: ledger.KindPlanPurchase,
		Charged: types.USD(1000), Credits: types.USD(1000), Tier: catalog.TierPro,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	winner := balanceModel{Email: "ada@example.com", Tier: "pro", AvailableCents: 2000, LifetimeCents: 2000, BudgetCeilingCents: 2000, Currency: "usd"}

	tests := []struct {
		name      string
		results   []func() *mongo.SingleResult
		wantErr   error
		wantCalls int
	}{
		{name: "first upsert wins", results: []func() *mongo.SingleResult{document(winner)}, wantCalls: 1},
		{name: "lost insert race retries", results: []func() *mongo.SingleResult{failing(errDuplicate), document(winner)}, wantCalls: 2},
		{name: "no headroom", results: []func() *mongo.SingleResult{failing(errDuplicate), failing(errDuplicate)}, wantErr: credits.ErrBalanceOverflow, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := &fakeCollection{findUpdate: tt.results}
			s := &Store{balances: coll}

			bal, err := s.ApplyGrant(context.Background(), ev)
			if len(coll.updates) != tt.wantCalls {
				t.Fatalf("FindOneAndUpdate calls = %d, want %d", len(coll.updates), tt.wantCalls)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ApplyGrant: got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyGrant: %v", err)
			}
			if bal.Available != types.USD(2000) || bal.Tier != catalog.TierPro {
				t.Fatalf("balance = %+v", bal)
			}

			filter := coll.filters[0].(bson.M)
			if filter["_id"] != "ada@example.com" {
				t.Fatalf("filter = %v", filter)
			}
			guard, ok := filter["available_cents"].(bson.M)
			if !ok || guard["$lte"] != int64(math.MaxInt64-1000) {
				t.Fatalf("headroom guard = %v", filter["available_cents"])
			}
		})
	}
}

func TestUpsertUserDuplicateKeyTwiceIsRetryable(t *testing.T) {
	coll := &fakeCollection{findUpdate: []func() *mongo.SingleResult{failing(errDuplicate), failing(errDuplicate)}}
	s := &Store{balances: coll}

	_, err := s.UpsertUser(context.Background(), ledger.Identity{Email: "ada@example.com"})
	if !credits.IsRetryable(err) {
		t.Fatalf("UpsertUser: got %v, want a retryable error", err)
	}
}

func TestSetMonthlySpend(t *testing.T) {
	boom := errors.New("connection reset")
	tests := []struct {
		name    string
		result  *mongo.UpdateResult
		err     error
		wantErr error
	}{
		{name: "updated", result: &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}},
		{name: "same value", result: &mongo.UpdateResult{MatchedCount: 1}},
		{name: "unknown user", result: &mongo.UpdateResult{}, wantErr: credits.ErrBalanceNotFound},
		{name: "driver error", err: boom, wantErr: boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := &fakeCollection{updateOne: func() (*mongo.UpdateResult, error) { return tt.result, tt.err }}
			s := &Store{balances: coll}

			err := s.SetMonthlySpend(context.Background(), "ada@example.com", types.USD(275))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("SetMonthlySpend: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("SetMonthlySpend: got %v, want %v", err, tt.wantErr)
			}

			set := coll.updates[0].(bson.M)["$set"].(bson.M)
			if set["monthly_spend_cents"] != int64(275) {
				t.Fatalf("$set = %v", set)
			}
		})
	}
}

func TestSaveSyncStateUpsertsPipeline(t *testing.T) {
	success := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		successAt   *time.Time
		wantSuccess bool
	}{
		{name: "failure keeps last success", successAt: nil, wantSuccess: false},
		{name: "success records time", successAt: &success, wantSuccess: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := &fakeCollection{updateOne: func() (*mongo.UpdateResult, error) {
				return &mongo.UpdateResult{UpsertedCount: 1}, nil
			}}
			s := &Store{syncStates: coll}

			st := &syncstate.State{
				Email: "ada@example.com", LastAttemptID: id.NewSyncAttemptID(), Pending: tt.successAt == nil,
				Attempts: 7, LastAttemptAt: success.Add(time.Hour), LastSuccessAt: tt.successAt,
				LastError: "$pending", LastCeiling: types.USD(2000),
			}
			if err := s.SaveSyncState(context.Background(), st); err != nil {
				t.Fatalf("SaveSyncState: %v", err)
			}

			if coll.upsert == nil || !*coll.upsert {
				t.Fatal("SaveSyncState must upsert")
			}
			pipeline, ok := coll.updates[0].(mongo.Pipeline)
			if !ok || len(pipeline) != 1 || pipeline[0][0].Key != "$set" {
				t.Fatalf("update = %#v, want a single $set stage", coll.updates[0])
			}
			set := pipeline[0][0].Value.(bson.M)

			if _, ok := set["attempts"].(bson.M)["$cond"]; !ok {
				t.Fatalf("attempts = %v, want a $cond on the stored state", set["attempts"])
			}
			if got := set["last_error"]; !equalBSON(t, got, bson.M{"$literal": "$pending"}) {
				t.Fatalf("last_error = %v, want a literal", got)
			}
			if _, ok := set["last_success_at"]; ok != tt.wantSuccess {
				t.Fatalf("last_success_at present = %v, want %v", ok, tt.wantSuccess)
			}
			if _, ok := set["_id"]; ok {
				t.Fatal("pipeline must not set _id")
			}
		})
	}
}

func equalBSON(t *testing.T, got, want any) bool {
	t.Helper()
	a, err := bson.Marshal(bson.M{"v": got})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := bson.Marshal(bson.M{"v": want})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(a) == string(b)
}
