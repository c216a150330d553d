// Package settings implements the reloadable Settings store: a string
// key/value view over provider credentials and tunables, atomically
// swappable at runtime without restart.
//
// Loading follows agentplexus-agentcall's pkg/config pattern (env-first,
// validated), extended with a YAML base layer (gopkg.in/yaml.v3, shared by
// MrWong99-glyphoxa and agentplexus-agentcall) so operators can ship a
// settings file and override individual keys via environment variables.
package settings

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Recognized keys (spec.md §6 "Recognized keys include provider API keys,
// max_concurrent_calls, and model/voice defaults").
const (
	KeySTTProvider         = "stt_provider"
	KeyLLMProvider         = "llm_provider"
	KeyTTSProvider         = "tts_provider"
	KeyGroqAPIKey          = "groq_api_key"
	KeyOpenAIAPIKey        = "openai_api_key"
	KeyAnthropicAPIKey     = "anthropic_api_key"
	KeyGoogleAPIKey        = "google_api_key"
	KeyDeepgramAPIKey      = "deepgram_api_key"
	KeyAssemblyAIAPIKey    = "assemblyai_api_key"
	KeyLokutorAPIKey       = "lokutor_api_key"
	KeyWebhookHMACDefault  = "webhook_hmac_default_secret"
	KeyMaxConcurrentCalls  = "max_concurrent_calls"
	KeyDefaultVoice        = "default_voice"
	KeyDefaultLLMModel     = "default_llm_model"
	KeyDefaultLanguage     = "default_language"
	KeyDatabaseDSN         = "database_dsn"
	KeyHTTPAddr            = "http_addr"
)

// snapshot is an immutable view of all settings at a point in time.
type snapshot struct {
	values map[string]string
}

// Persistence is the narrow slice of internal/storage.Gateway this package
// depends on for the database-backed layer of the settings key/value store
// (spec.md §4.12: "settings get/set/reload"). Optional: a nil Persistence
// leaves the store file+env only, which is all cmd/simulator needs.
type Persistence interface {
	AllSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store is a read-mostly settings view with an atomic Reload.
type Store struct {
	path  string
	db    Persistence
	cur   atomic.Pointer[snapshot]
}

// NewStore loads settings from a YAML file at path (if it exists), layers
// any database-persisted overrides, then environment variables on top
// (including a local .env file, following the teacher's cmd/agent/main.go
// godotenv.Load() pattern), and returns a Store. db may be nil.
func NewStore(path string, db Persistence) (*Store, error) {
	s := &Store{path: path, db: db}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the YAML file, the database, and the environment without
// restarting the process, atomically swapping the live view (spec.md §6).
func (s *Store) Reload() error {
	values := defaultValues()

	if s.path != "" {
		if data, err := os.ReadFile(s.path); err == nil {
			var fileValues map[string]string
			if err := yaml.Unmarshal(data, &fileValues); err != nil {
				return fmt.Errorf("settings: parse %s: %w", s.path, err)
			}
			for k, v := range fileValues {
				values[k] = v
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("settings: read %s: %w", s.path, err)
		}
	}

	if s.db != nil {
		dbValues, err := s.db.AllSettings(context.Background())
		if err != nil {
			return fmt.Errorf("settings: load db overrides: %w", err)
		}
		for k, v := range dbValues {
			values[k] = v
		}
	}

	// Best-effort local .env load, as the teacher's main.go does; a missing
	// file is not an error.
	_ = godotenv.Load()

	for _, k := range allKeys() {
		if v, ok := os.LookupEnv(envName(k)); ok {
			values[k] = v
		}
	}

	s.cur.Store(&snapshot{values: values})
	return nil
}

// Get returns a key's current string value and whether it was set.
func (s *Store) Get(key string) (string, bool) {
	v, ok := s.cur.Load().values[key]
	return v, ok
}

// GetDefault returns a key's value or a fallback.
func (s *Store) GetDefault(key, fallback string) string {
	if v, ok := s.Get(key); ok && v != "" {
		return v
	}
	return fallback
}

// GetInt returns a key's value parsed as an int, or a fallback.
func (s *Store) GetInt(key string, fallback int) int {
	v, ok := s.Get(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Set updates a single key in the live snapshot and, if a Persistence
// backend is wired, durably records it (used by the Control API's settings
// CRUD). Reload() rebuilds the snapshot from defaults, file, database and
// environment: with a Persistence backend the Set value outranks the file
// and only an environment override replaces it; without one the Set value
// is lost and the lower layers apply again.
func (s *Store) Set(key, value string) error {
	old := s.cur.Load()
	values := make(map[string]string, len(old.values)+1)
	for k, v := range old.values {
		values[k] = v
	}
	values[key] = value
	s.cur.Store(&snapshot{values: values})

	if s.db != nil {
		if err := s.db.SetSetting(context.Background(), key, value); err != nil {
			return fmt.Errorf("settings: persist %s: %w", key, err)
		}
	}
	return nil
}

// All returns a copy of every key/value pair.
func (s *Store) All() map[string]string {
	old := s.cur.Load()
	out := make(map[string]string, len(old.values))
	for k, v := range old.values {
		out[k] = v
	}
	return out
}

func envName(key string) string {
	out := make([]byte, 0, len(key)+9)
	out = append(out, "CALLBRIDGE_"...)
	for _, r := range key {
		if r == '-' {
			out = append(out, '_')
			continue
		}
		if r >= 'a' && r <= 'z' {
			out = append(out, byte(r-'a'+'A'))
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func allKeys() []string {
	return []string{
		KeySTTProvider, KeyLLMProvider, KeyTTSProvider,
		KeyGroqAPIKey, KeyOpenAIAPIKey, KeyAnthropicAPIKey, KeyGoogleAPIKey,
		KeyDeepgramAPIKey, KeyAssemblyAIAPIKey, KeyLokutorAPIKey,
		KeyWebhookHMACDefault, KeyMaxConcurrentCalls, KeyDefaultVoice,
		KeyDefaultLLMModel, KeyDefaultLanguage, KeyDatabaseDSN, KeyHTTPAddr,
	}
}

func defaultValues() map[string]string {
	return map[string]string{
		KeySTTProvider:        "deepgram",
		KeyLLMProvider:        "anthropic",
		KeyTTSProvider:        "lokutor",
		KeyMaxConcurrentCalls: "50",
		KeyDefaultVoice:       "F1",
		KeyDefaultLLMModel:    "claude-3-5-sonnet-20241022",
		KeyDefaultLanguage:    "en",
		KeyDatabaseDSN:        "file:callbridge.db?_pragma=busy_timeout(5000)",
		KeyHTTPAddr:           ":8080",
	}
}
