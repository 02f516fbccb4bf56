// Package storetest is a behavioral suite every store.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/syncstate"
	"github.com/xraph/credits/types"
)

// Factory returns a migrated store. Stores may be shared between subtests,
// so every subtest works on its own emails.
type Factory func(t *testing.T) store.Store

// Run exercises the ledger and sync state contracts against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"UpsertUserKeepsExistingNames", testUpsertUserKeepsExistingNames},
		{"ApplyGrantAccumulates", testApplyGrantAccumulates},
		{"ListRecentEventsNewestFirst", testListRecentEventsNewestFirst},
		{"MonthlySpend", testMonthlySpend},
		{"ApplyGrantRefusesOverflow", testApplyGrantRefusesOverflow},
		{"SyncAttemptsCountedByStore", testSyncAttemptsCountedByStore},
		{"ListPendingSyncOldestFirst", testListPendingSyncOldestFirst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// Grant builds a grant event for email.
func Grant(email string, kind ledger.Kind, tier catalog.Tier, cents int64, at time.Time) *ledger.Event {
	return &ledger.Event{
		ID:        id.NewCreditEventID(),
		Email:     email,
		Kind:      kind,
		Charged:   types.USD(cents),
		Credits:   types.USD(cents),
		Tier:      tier,
		Note:      "test grant",
		CreatedAt: at,
	}
}

// Email returns an address no other subtest uses.
func Email(name string) string {
	return strings.ToLower(name) + "+" + id.NewRequestID().String() + "@example.com"
}

// start is second-aligned so every backend round-trips it exactly.
func start() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func testUpsertUserKeepsExistingNames(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := Email("ada")

	if _, err := s.UpsertUser(ctx, ledger.Identity{Email: email, Subject: "sub-1", DisplayName: "Ada"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	bal, err := s.UpsertUser(ctx, ledger.Identity{Email: email})
	if err != nil {
		t.Fatalf("UpsertUser again: %v", err)
	}
	if bal.Subject != "sub-1" || bal.DisplayName != "Ada" {
		t.Fatalf("names overwritten: %+v", bal)
	}
	if bal.Tier != catalog.TierNone || !bal.Available.IsZero() {
		t.Fatalf("new user should start empty: %+v", bal)
	}
}

func testApplyGrantAccumulates(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := Email("ada")
	at := start()

	steps := []struct {
		kind          ledger.Kind
		tier          catalog.Tier
		cents         int64
		wantAvailable int64
		wantTier      catalog.Tier
	}{
		{ledger.KindPlanPurchase, catalog.TierPro, 1000, 1000, catalog.TierPro},
		{ledger.KindPlanPurchase, catalog.TierGrowth, 5000, 6000, catalog.TierGrowth},
		{ledger.KindManualTopUp, catalog.TierNone, 400, 6400, catalog.TierGrowth},
	}
	for i, step := range steps {
		bal, err := s.ApplyGrant(ctx, Grant(email, step.kind, step.tier, step.cents, at.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("ApplyGrant %d: %v", i, err)
		}
		want := types.USD(step.wantAvailable)
		if bal.Available != want || bal.Lifetime != want || bal.BudgetCeiling != want {
			t.Fatalf("step %d: got available=%s lifetime=%s ceiling=%s, want %s",
				i, bal.Available, bal.Lifetime, bal.BudgetCeiling, want)
		}
		if bal.Tier != step.wantTier {
			t.Fatalf("step %d: tier = %s, want %s", i, bal.Tier, step.wantTier)
		}
	}

	got, err := s.GetBalance(ctx, email)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got.Available != types.USD(6400) {
		t.Fatalf("GetBalance available = %s, want $64.00", got.Available)
	}
}

func testListRecentEventsNewestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := Email("ada")
	at := start()

	for i, cents := range []int64{100, 200, 300} {
		if _, err := s.ApplyGrant(ctx, Grant(email, ledger.KindManualTopUp, catalog.TierNone, cents, at.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("ApplyGrant: %v", err)
		}
	}

	tests := []struct {
		limit int
		want  []int64
	}{
		{limit: 2, want: []int64{300, 200}},
		{limit: 0, want: []int64{300, 200, 100}},
		{limit: 10, want: []int64{300, 200, 100}},
	}
	for _, tt := range tests {
		events, err := s.ListRecentEvents(ctx, email, tt.limit)
		if err != nil {
			t.Fatalf("ListRecentEvents(%d): %v", tt.limit, err)
		}
		if len(events) != len(tt.want) {
			t.Fatalf("ListRecentEvents(%d): got %d events, want %d", tt.limit, len(events), len(tt.want))
		}
		for i, ev := range events {
			if ev.Credits != types.USD(tt.want[i]) {
				t.Fatalf("ListRecentEvents(%d)[%d] = %s, want %s", tt.limit, i, ev.Credits, types.USD(tt.want[i]))
			}
		}
	}
	if !events0(t, s, email).CreatedAt.Equal(at.Add(2 * time.Minute)) {
		t.Fatalf("CreatedAt did not round-trip")
	}

	none, err := s.ListRecentEvents(ctx, Email("ghost"), 5)
	if err != nil {
		t.Fatalf("ListRecentEvents unknown: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("unknown email: got %d events", len(none))
	}
}

func events0(t *testing.T, s store.Store, email string) *ledger.Event {
	t.Helper()
	events, err := s.ListRecentEvents(context.Background(), email, 1)
	if err != nil || len(events) != 1 {
		t.Fatalf("ListRecentEvents(1): %v, %d events", err, len(events))
	}
	return events[0]
}

func testMonthlySpend(t *testing.T, s store.Store) {
	ctx := context.Background()
	ghost := Email("ghost")

	if err := s.SetMonthlySpend(ctx, ghost, types.USD(100)); !errors.Is(err, credits.ErrBalanceNotFound) {
		t.Fatalf("SetMonthlySpend unknown: got %v, want ErrBalanceNotFound", err)
	}
	if _, err := s.GetBalance(ctx, ghost); !errors.Is(err, credits.ErrBalanceNotFound) {
		t.Fatalf("GetBalance unknown: got %v, want ErrBalanceNotFound", err)
	}

	email := Email("ada")
	if _, err := s.ApplyGrant(ctx, Grant(email, ledger.KindPlanPurchase, catalog.TierPro, 1000, start())); err != nil {
		t.Fatalf("ApplyGrant: %v", err)
	}
	if err := s.SetMonthlySpend(ctx, email, types.USD(275)); err != nil {
		t.Fatalf("SetMonthlySpend: %v", err)
	}
	bal, err := s.GetBalance(ctx, email)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.MonthlySpend != types.USD(275) || bal.Remaining() != types.USD(725) {
		t.Fatalf("spend = %s remaining = %s, want $2.75 and $7.25", bal.MonthlySpend, bal.Remaining())
	}
}

func testApplyGrantRefusesOverflow(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := Email("whale")
	near := int64(math.MaxInt64 - 50)

	if _, err := s.ApplyGrant(ctx, Grant(email, ledger.KindManualTopUp, catalog.TierNone, near, start())); err != nil {
		t.Fatalf("ApplyGrant near max: %v", err)
	}
	_, err := s.ApplyGrant(ctx, Grant(email, ledger.KindManualTopUp, catalog.TierNone, 100, start().Add(time.Minute)))
	if !errors.Is(err, credits.ErrBalanceOverflow) {
		t.Fatalf("ApplyGrant past max: got %v, want ErrBalanceOverflow", err)
	}

	bal, err := s.GetBalance(ctx, email)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Available.Amount != near || bal.Available.IsNegative() {
		t.Fatalf("available = %d, want %d", bal.Available.Amount, near)
	}
	events, err := s.ListRecentEvents(ctx, email, 0)
	if err != nil {
		t.Fatalf("ListRecentEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("refused grant left an event: got %d events", len(events))
	}
}

func testSyncAttemptsCountedByStore(t *testing.T, s store.Store) {
	ctx := context.Background()
	email := Email("ada")
	at := start()

	if _, err := s.GetSyncState(ctx, email); !errors.Is(err, credits.ErrSyncStateNotFound) {
		t.Fatalf("GetSyncState unknown: got %v, want ErrSyncStateNotFound", err)
	}

	success := at.Add(10 * time.Minute)
	steps := []struct {
		name        string
		pending     bool
		successAt   *time.Time
		wantAttempt int
		wantSuccess *time.Time
	}{
		{"first failure", true, nil, 1, nil},
		{"second failure", true, nil, 2, nil},
		{"third failure", true, nil, 3, nil},
		{"retry succeeds", false, &success, 4, &success},
		{"later failure", true, nil, 1, &success},
		{"later success", false, nil, 2, &success},
	}
	for i, step := range steps {
		st := &syncstate.State{
			Email:         email,
			LastAttemptID: id.NewSyncAttemptID(),
			Pending:       step.pending,
			Attempts:      99,
			LastAttemptAt: at.Add(time.Duration(i) * time.Minute),
			LastSuccessAt: step.successAt,
			LastCeiling:   types.USD(1000),
		}
		if step.pending {
			st.LastError = "upstream unavailable"
		}
		if err := s.SaveSyncState(ctx, st); err != nil {
			t.Fatalf("%s: SaveSyncState: %v", step.name, err)
		}

		got, err := s.GetSyncState(ctx, email)
		if err != nil {
			t.Fatalf("%s: GetSyncState: %v", step.name, err)
		}
		if got.Attempts != step.wantAttempt {
			t.Fatalf("%s: attempts = %d, want %d", step.name, got.Attempts, step.wantAttempt)
		}
		if got.Pending != step.pending {
			t.Fatalf("%s: pending = %v, want %v", step.name, got.Pending, step.pending)
		}
		switch {
		case step.wantSuccess == nil && got.LastSuccessAt != nil:
			t.Fatalf("%s: LastSuccessAt = %v, want nil", step.name, got.LastSuccessAt)
		case step.wantSuccess != nil && (got.LastSuccessAt == nil || !got.LastSuccessAt.Equal(*step.wantSuccess)):
			t.Fatalf("%s: LastSuccessAt = %v, want %v", step.name, got.LastSuccessAt, step.wantSuccess)
		}
		if got.LastAttemptID != st.LastAttemptID || got.LastCeiling != types.USD(1000) {
			t.Fatalf("%s: state did not round-trip: %+v", step.name, got)
		}
	}
}

func testListPendingSyncOldestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := start()

	newest, oldest, middle, settled := Email("newest"), Email("oldest"), Email("middle"), Email("settled")
	for _, st := range []*syncstate.State{
		{Email: newest, Pending: true, LastAttemptAt: at.Add(3 * time.Minute)},
		{Email: oldest, Pending: true, LastAttemptAt: at.Add(-time.Hour)},
		{Email: middle, Pending: true, LastAttemptAt: at.Add(time.Minute)},
		{Email: settled, Pending: false, LastAttemptAt: at.Add(-2 * time.Hour)},
	} {
		st.LastAttemptID = id.NewSyncAttemptID()
		st.LastCeiling = types.USD(500)
		if err := s.SaveSyncState(ctx, st); err != nil {
			t.Fatalf("SaveSyncState %s: %v", st.Email, err)
		}
	}

	pending, err := s.ListPendingSync(ctx, 0)
	if err != nil {
		t.Fatalf("ListPendingSync: %v", err)
	}
	mine := map[string]bool{newest: true, oldest: true, middle: true, settled: true}
	var got []string
	for _, st := range pending {
		if mine[st.Email] {
			got = append(got, st.Email)
		}
	}
	want := []string{oldest, middle, newest}
	if len(got) != len(want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pending[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	limited, err := s.ListPendingSync(ctx, 1)
	if err != nil {
		t.Fatalf("ListPendingSync(1): %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("ListPendingSync(1): got %d states", len(limited))
	}
}
