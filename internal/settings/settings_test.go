package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type fakePersistence struct {
	values map[string]string
	sets   map[string]string
}

func (f *fakePersistence) AllSettings(ctx context.Context) (map[string]string, error) {
	return f.values, nil
}

func (f *fakePersistence) SetSetting(ctx context.Context, key, value string) error {
	if f.sets == nil {
		f.sets = make(map[string]string)
	}
	f.sets[key] = value
	return nil
}

func TestDefaultsOnly(t *testing.T) {
	s, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := s.GetInt(KeyMaxConcurrentCalls, -1); got != 50 {
		t.Errorf("max_concurrent_calls = %d, want default 50", got)
	}
	if got := s.GetDefault(KeyLLMProvider, ""); got != "anthropic" {
		t.Errorf("llm_provider = %q, want default anthropic", got)
	}
}

func TestFileOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_calls: \"10\"\n"), 0o644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}

	s, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := s.GetInt(KeyMaxConcurrentCalls, -1); got != 10 {
		t.Errorf("max_concurrent_calls = %d, want file-overridden 10", got)
	}
}

func TestDBOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_calls: \"10\"\n"), 0o644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}
	db := &fakePersistence{values: map[string]string{KeyMaxConcurrentCalls: "25"}}

	s, err := NewStore(path, db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := s.GetInt(KeyMaxConcurrentCalls, -1); got != 25 {
		t.Errorf("max_concurrent_calls = %d, want db-overridden 25", got)
	}
}

func TestEnvOutranksFileAndDB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_calls: \"10\"\n"), 0o644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}
	db := &fakePersistence{values: map[string]string{KeyMaxConcurrentCalls: "25"}}
	t.Setenv("CALLBRIDGE_MAX_CONCURRENT_CALLS", "7")

	s, err := NewStore(path, db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := s.GetInt(KeyMaxConcurrentCalls, -1); got != 7 {
		t.Errorf("max_concurrent_calls = %d, want env-overridden 7", got)
	}
}

// TestReloadRestoresLayering verifies Reload's documented precedence: a
// runtime Set is visible immediately, but a subsequent Reload lets the
// environment reassert itself over it (no Persistence backend is wired
// here, so the Set value is not kept across Reload).
func TestReloadRestoresLayering(t *testing.T) {
	s, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := s.Set(KeyDefaultVoice, "M2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := s.GetDefault(KeyDefaultVoice, ""); got != "M2" {
		t.Fatalf("after Set, default_voice = %q, want M2", got)
	}

	t.Setenv("CALLBRIDGE_DEFAULT_VOICE", "F3")
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := s.GetDefault(KeyDefaultVoice, ""); got != "F3" {
		t.Errorf("after Reload with env set, default_voice = %q, want env value F3", got)
	}
}

func TestSetPersistsToDB(t *testing.T) {
	db := &fakePersistence{values: map[string]string{}}
	s, err := NewStore("", db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Set(KeyDefaultLanguage, "pt"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := db.sets[KeyDefaultLanguage]; got != "pt" {
		t.Errorf("db.sets[default_language] = %q, want pt", got)
	}
	if got := s.GetDefault(KeyDefaultLanguage, ""); got != "pt" {
		t.Errorf("live view default_language = %q, want pt", got)
	}
}
