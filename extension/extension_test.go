package extension

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/credits/gateway"
	"github.com/xraph/credits/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	got := mergeWithDefaults(Config{RecentEvents: 5})
	if got.RecentEvents != 5 {
		t.Errorf("RecentEvents = %d, want 5", got.RecentEvents)
	}
	if got.UsageCacheTTL != 15*time.Second {
		t.Errorf("UsageCacheTTL = %v, want 15s", got.UsageCacheTTL)
	}
	if got.ReconcileBatch != 50 {
		t.Errorf("ReconcileBatch = %d, want 50", got.ReconcileBatch)
	}
}

func TestMergeConfigurations(t *testing.T) {
	yamlCfg := Config{
		ReconcileBatch: 10,
		Gateway:        gateway.Config{BaseURL: "https://yaml.example"},
	}
	prog := Config{
		DisableMigrate:    true,
		ReconcileBatch:    99,
		ReconcileInterval: time.Minute,
		Gateway:           gateway.Config{BaseURL: "https://prog.example"},
	}

	got := mergeConfigurations(yamlCfg, prog)
	if !got.DisableMigrate {
		t.Error("expected programmatic DisableMigrate to carry over")
	}
	if got.ReconcileBatch != 10 {
		t.Errorf("ReconcileBatch = %d, want yaml value 10", got.ReconcileBatch)
	}
	if got.ReconcileInterval != time.Minute {
		t.Errorf("ReconcileInterval = %v, want programmatic 1m", got.ReconcileInterval)
	}
	if got.Gateway.BaseURL != "https://yaml.example" {
		t.Errorf("Gateway.BaseURL = %q, want yaml value", got.Gateway.BaseURL)
	}
	if got.RecentEvents != 20 {
		t.Errorf("RecentEvents = %d, want default 20", got.RecentEvents)
	}
}

type namedDriver string

func (d namedDriver) Name() string                { return string(d) }
func (d namedDriver) Close() error                { return nil }
func (d namedDriver) Ping(_ context.Context) error { return nil }

func openGrove(t *testing.T, drv grove.GroveDriver) *grove.DB {
	t.Helper()
	db, err := grove.Open(drv)
	if err != nil {
		t.Fatalf("grove.Open: %v", err)
	}
	return db
}

func TestResolveStore(t *testing.T) {
	programmatic := memory.New()

	tests := []struct {
		name    string
		opts    []Option
		want    string
		wantErr bool
	}{
		{name: "programmatic wins", opts: []Option{WithStore(programmatic), WithGroveDB(openGrove(t, pgdriver.New()))}, want: "*memory.Store"},
		{name: "postgres driver", opts: []Option{WithGroveDB(openGrove(t, pgdriver.New()))}, want: "*postgres.Store"},
		{name: "sqlite driver", opts: []Option{WithGroveDB(openGrove(t, sqlitedriver.New()))}, want: "*sqlite.Store"},
		{name: "unknown driver", opts: []Option{WithGroveDB(openGrove(t, namedDriver("mysql")))}, wantErr: true},
		{name: "memory fallback", want: "*memory.Store"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.opts...).resolveStore()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %T", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveStore: %v", err)
			}
			if typ := fmt.Sprintf("%T", got); typ != tt.want {
				t.Fatalf("resolveStore = %s, want %s", typ, tt.want)
			}
		})
	}

	got, err := New(WithStore(programmatic)).resolveStore()
	if err != nil || got != programmatic {
		t.Fatalf("programmatic store not returned as is: %v", err)
	}
}

func TestBuildEngineOptsWiresGateway(t *testing.T) {
	e := New(WithGateway(gateway.Config{BaseURL: "https://gw.example", APIKey: "k"}))
	e.config = mergeWithDefaults(e.config)

	without := len(New().buildEngineOpts())
	with := len(e.buildEngineOpts())
	if with != without+1 {
		t.Fatalf("options = %d, want %d (syncer added)", with, without+1)
	}
}
