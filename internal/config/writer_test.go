package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestWriteDefault_LoadsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".gradient.yaml")

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasPrefix(string(data), "# Gradient configuration") {
		t.Errorf("missing header: %q", string(data[:40]))
	}
	if !strings.Contains(string(data), "true_threshold: 0.8") {
		t.Errorf("expected consensus section, got:\n%s", data)
	}

	cfg, err := NewLoader().WithEnvFiles().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, Defaults()) {
		t.Errorf("written config does not load back to defaults:\n got %+v", cfg)
	}
}

func TestWriteDefault_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".gradient.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := WriteDefault(path, false); err == nil {
		t.Fatal("WriteDefault() should refuse to overwrite")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Fatalf("WriteDefault(force) error = %v", err)
	}

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "level: debug") {
		t.Error("force should replace the existing file")
	}
}
