package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Price is a per-token price table in display dollars per million tokens.
type Price struct {
	Input        float64 `yaml:"input"`
	Output       float64 `yaml:"output"`
	CacheRead    float64 `yaml:"cache-read"`
	CacheWrite5m float64 `yaml:"cache-write-5m"`
	CacheWrite1h float64 `yaml:"cache-write-1h"`
}

// ProviderEntry is one upstream candidate for a model.
type ProviderEntry struct {
	Provider string `yaml:"provider"` // Provider registry ID.
	Model    string `yaml:"model"`    // Provider-specific model string, defaults to the catalog model ID.
	Weight   int    `yaml:"weight"`   // Selection weight, defaults to 1.
	Disabled bool   `yaml:"disabled"` // Excluded from selection entirely.
}

// Model describes a routable model and its pricing.
type Model struct {
	ID             string          `yaml:"id"`
	AllowAnonymous bool            `yaml:"allow-anonymous"`
	ContextLimit   int64           `yaml:"context-limit"`
	Cost           Price           `yaml:"cost"`
	Cost200K       *Price          `yaml:"cost-200k"` // Discounted tier above 200K input tokens, nil when absent.
	Providers      []ProviderEntry `yaml:"providers"`
}

// Provider describes an upstream provider endpoint.
type Provider struct {
	ID        string            `yaml:"id"`
	BaseURL   string            `yaml:"base-url"`
	APIKey    string            `yaml:"api-key"`     // Platform credential; a BYO credential overrides it per request.
	APIKeyEnv string            `yaml:"api-key-env"` // Environment variable fallback for APIKey.
	HeaderMap map[string]string `yaml:"header-map"`  // Inbound header name -> upstream header name.
}

// Snapshot is an immutable catalog view. Reloads replace the snapshot
// wholesale; loaded models and providers are never mutated in place.
type Snapshot struct {
	models    map[string]*Model
	providers map[string]*Provider
}

// Model returns the model for an ID, or nil when absent.
func (s *Snapshot) Model(id string) *Model {
	if s == nil {
		return nil
	}
	return s.models[strings.ToLower(strings.TrimSpace(id))]
}

// Provider returns the provider for an ID, or nil when absent.
func (s *Snapshot) Provider(id string) *Provider {
	if s == nil {
		return nil
	}
	return s.providers[strings.ToLower(strings.TrimSpace(id))]
}

// Models returns all models sorted by ID.
func (s *Snapshot) Models() []*Model {
	if s == nil {
		return nil
	}
	out := make([]*Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Store holds the current catalog snapshot behind a read lock.
type Store struct {
	mu       sync.RWMutex
	snapshot *Snapshot
}

// NewStore constructs an empty Store.
func NewStore() *Store { return &Store{snapshot: &Snapshot{}} }

// Snapshot returns the current catalog snapshot.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Replace swaps in a new snapshot.
func (s *Store) Replace(snapshot *Snapshot) {
	if snapshot == nil {
		return
	}
	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
}

// catalogFile is the YAML layout of a catalog file.
type catalogFile struct {
	Providers []*Provider `yaml:"providers"`
	Models    []*Model    `yaml:"models"`
}

// LoadFile parses a catalog YAML file into a snapshot.
func LoadFile(path string) (*Snapshot, error) {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, errRead)
	}
	return Parse(data)
}

// Parse builds a snapshot from catalog YAML bytes.
func Parse(data []byte) (*Snapshot, error) {
	var file catalogFile
	if errUnmarshal := yaml.Unmarshal(data, &file); errUnmarshal != nil {
		return nil, fmt.Errorf("catalog: parse: %w", errUnmarshal)
	}

	snapshot := &Snapshot{
		models:    make(map[string]*Model, len(file.Models)),
		providers: make(map[string]*Provider, len(file.Providers)),
	}

	for _, provider := range file.Providers {
		if provider == nil {
			continue
		}
		id := strings.ToLower(strings.TrimSpace(provider.ID))
		if id == "" {
			return nil, fmt.Errorf("catalog: provider with empty id")
		}
		if strings.TrimSpace(provider.BaseURL) == "" {
			return nil, fmt.Errorf("catalog: provider %s: empty base-url", id)
		}
		if provider.APIKey == "" && provider.APIKeyEnv != "" {
			provider.APIKey = os.Getenv(provider.APIKeyEnv)
		}
		snapshot.providers[id] = provider
	}

	for _, model := range file.Models {
		if model == nil {
			continue
		}
		id := strings.TrimSpace(model.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: model with empty id")
		}
		if len(model.Providers) == 0 {
			return nil, fmt.Errorf("catalog: model %s: no providers", id)
		}
		for i := range model.Providers {
			entry := &model.Providers[i]
			entry.Provider = strings.ToLower(strings.TrimSpace(entry.Provider))
			if entry.Model == "" {
				entry.Model = id
			}
		}
		snapshot.models[strings.ToLower(id)] = model
	}

	return snapshot, nil
}
