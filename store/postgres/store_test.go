package postgres

import (
	"context"
	"errors"
	"math"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove/drivers/pgdriver"

	"github.com/xraph/credits"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/storetest"
)

// offline returns a store whose builders work without a connection.
func offline() *Store {
	return &Store{pg: pgdriver.New()}
}

func TestStoreContract(t *testing.T) {
	dsn := os.Getenv("CREDITS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set CREDITS_TEST_POSTGRES_DSN to run against PostgreSQL")
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	storetest.Run(t, func(t *testing.T) store.Store { return s })
}

func TestBalanceColumnsFollowModelOrder(t *testing.T) {
	var fields []string
	typ := reflect.TypeOf(balanceModel{})
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("grove")
		if tag == "" || strings.HasPrefix(tag, "table:") {
			continue
		}
		fields = append(fields, strings.Split(tag, ",")[0])
	}

	var columns []string
	for _, c := range strings.Split(balanceColumns, ",") {
		columns = append(columns, strings.TrimSpace(c))
	}

	if !reflect.DeepEqual(fields, columns) {
		t.Fatalf("balanceColumns = %v, model fields = %v", columns, fields)
	}
}

func TestRecentEventsQuery(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		wantLimit string
	}{
		{name: "limited", limit: 2, wantLimit: " LIMIT 2"},
		{name: "all", limit: 0, wantLimit: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var models []eventModel
			query, args, err := offline().recentEventsQuery(&models, "ada@example.com", tt.limit).Build()
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			wantTail := `FROM "credit_events" WHERE email = $1 ORDER BY created_at DESC, seq DESC` + tt.wantLimit
			if !strings.HasSuffix(query, wantTail) {
				t.Fatalf("query = %q, want suffix %q", query, wantTail)
			}
			if len(args) != 1 || args[0] != "ada@example.com" {
				t.Fatalf("args = %v", args)
			}
			if strings.Contains(query, `"seq"`) {
				t.Fatalf("seq must not be selected into the model: %q", query)
			}
		})
	}
}

func TestGrantError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantRetryable bool
		wantOverflow  bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, wantRetryable: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, wantRetryable: true},
		{name: "numeric out of range", err: &pgconn.PgError{Code: "22003"}, wantOverflow: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}},
		{name: "plain error", err: errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := grantError("increment balance", tt.err)
			if got := credits.IsRetryable(err); got != tt.wantRetryable {
				t.Fatalf("IsRetryable = %v, want %v (%v)", got, tt.wantRetryable, err)
			}
			if got := errors.Is(err, credits.ErrBalanceOverflow); got != tt.wantOverflow {
				t.Fatalf("overflow = %v, want %v (%v)", got, tt.wantOverflow, err)
			}
			if !errors.Is(err, tt.err) {
				t.Fatalf("cause lost: %v", err)
			}
		})
	}
}

func TestHeadroom(t *testing.T) {
	tests := []struct {
		cents int64
		want  int64
	}{
		{cents: 0, want: math.MaxInt64},
		{cents: -500, want: math.MaxInt64},
		{cents: 100, want: math.MaxInt64 - 100},
		{cents: math.MaxInt64, want: 0},
	}
	for _, tt := range tests {
		if got := headroom(tt.cents); got != tt.want {
			t.Fatalf("headroom(%d) = %d, want %d", tt.cents, got, tt.want)
		}
	}
}

func TestMigrationsAreOrdered(t *testing.T) {
	migrations := Migrations.Migrations()
	if len(migrations) != 3 {
		t.Fatalf("got %d migrations, want 3", len(migrations))
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version >= migrations[i].Version {
			t.Fatalf("migration %s is not after %s", migrations[i].Version, migrations[i-1].Version)
		}
	}
	if Migrations.Name() != "credits" {
		t.Fatalf("group = %q, want credits", Migrations.Name())
	}
}
