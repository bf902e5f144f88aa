package state

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hugo-lorenzo-mato/gradient/internal/config"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name        string
		backend     string
		wantType    string
		wantErr     bool
		errContains string
	}{
		{name: "memory backend", backend: "memory", wantType: "*state.MemoryStore"},
		{name: "empty backend defaults to sqlite", backend: "", wantType: "*state.SQLStore"},
		{name: "sqlite backend", backend: "sqlite", wantType: "*state.SQLStore"},
		{name: "SQLite backend (mixed case)", backend: "SQLite", wantType: "*state.SQLStore"},
		{name: "unsupported backend", backend: "mongo", wantErr: true, errContains: "unsupported storage backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.StorageConfig{
				Backend: tt.backend,
				Path:    filepath.Join(t.TempDir(), "nested", "gradient.db"),
			}

			store, err := Open(context.Background(), cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q should contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer store.Close()

			if got := typeName(store); got != tt.wantType {
				t.Errorf("got type %s, want %s", got, tt.wantType)
			}
		})
	}
}

func TestOpenSQLite_MigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gradient.db")

	first, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()

	var version int
	if err := second.DB().Get(&version, "SELECT MAX(version) FROM schema_migrations"); err != nil {
		t.Fatalf("reading version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case *MemoryStore:
		return "*state.MemoryStore"
	case *SQLStore:
		return "*state.SQLStore"
	default:
		return "unknown"
	}
}
