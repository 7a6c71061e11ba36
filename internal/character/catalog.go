// Package character provides the catalog of default simulated-patient
// profiles, loaded from YAML files at process start and read-only thereafter.
package character

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// DefaultProfileID identifies the built-in fallback profile used when a
// character reference cannot be resolved.
const DefaultProfileID = "default"

// defaultProfile is the built-in simulated patient used when no catalog
// entry matches. The clinical facts follow the standard training scenario.
var defaultProfile = models.CharacterProfile{
	ID:        DefaultProfileID,
	Name:      "陳志明",
	Persona:   "69歲男性，齒齦癌術後病患，個性溫和但容易擔心",
	Backstory: "因齒齦癌接受右臉頰腫瘤切除手術，目前在病房恢復中，等待出院評估。",
	Goal:      "與護理人員交流，反映術後的身體狀況與疑問",
	FixedSettings: map[string]string{
		"年齡": "69",
		"性別": "男",
		"診斷": "齒齦癌",
		"分期": "pT2N0M0, stage II",
	},
	FloatingSettings: map[string]string{
		"目前接受治療場所": "病房",
		"目前治療階段":   "手術後/出院前",
		"個案現況":     "病人右臉頰縫線持續有黃色分泌物",
	},
}

// Catalog holds the default character profiles. It is populated once by
// Load and is safe for concurrent reads.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]*models.CharacterProfile
}

// NewCatalog creates a catalog containing only the built-in default profile.
func NewCatalog() *Catalog {
	return &Catalog{
		profiles: map[string]*models.CharacterProfile{
			DefaultProfileID: defaultProfile.Clone(),
		},
	}
}

// Load reads every *.yaml / *.yml file in dir into the catalog. A file that
// fails to parse is skipped with a warning; loading never hard-fails because
// the built-in default always remains available.
func (c *Catalog) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read character directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Catalog.Load: failed to read character file", "path", path, "error", err)
			continue
		}
		var profile models.CharacterProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			slog.Warn("Catalog.Load: failed to parse character file", "path", path, "error", err)
			continue
		}
		if profile.ID == "" {
			profile.ID = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		if err := profile.Validate(); err != nil {
			slog.Warn("Catalog.Load: invalid character profile, skipping", "path", path, "error", err)
			continue
		}

		c.mu.Lock()
		c.profiles[profile.ID] = &profile
		c.mu.Unlock()
		loaded++
		slog.Debug("Catalog.Load: character loaded", "id", profile.ID, "name", profile.Name)
	}

	slog.Info("Catalog.Load: character catalog loaded", "dir", dir, "count", loaded)
	return nil
}

// Get returns the profile for the given id, or nil if absent. The returned
// profile is a copy; callers may hold it for a session's lifetime without
// risking catalog mutation.
func (c *Catalog) Get(id string) *models.CharacterProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.profiles[id]; ok {
		return p.Clone()
	}
	return nil
}

// Default returns a copy of the built-in fallback profile.
func (c *Catalog) Default() *models.CharacterProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profiles[DefaultProfileID].Clone()
}

// Resolve returns the profile for the reference: a caller-supplied config
// takes precedence; a malformed config falls back to the catalog entry for
// the id, and an unknown id falls back to the default. Resolution never
// hard-fails.
func (c *Catalog) Resolve(id string, supplied *models.CharacterProfile) *models.CharacterProfile {
	if supplied != nil {
		if err := supplied.Validate(); err != nil {
			slog.Warn("Catalog.Resolve: malformed caller-supplied profile, falling back to catalog", "id", id, "error", err)
		} else {
			p := supplied.Clone()
			if p.ID == "" {
				p.ID = id
			}
			return p
		}
	}
	if id != "" {
		if p := c.Get(id); p != nil {
			return p
		}
		slog.Warn("Catalog.Resolve: unknown character id, using default", "id", id)
	}
	return c.Default()
}

// List returns all catalog profiles sorted by id for the characters endpoint.
func (c *Catalog) List() []*models.CharacterProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.CharacterProfile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
