package modules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Manifest is the per-tenant, file-based module configuration. It is a
// read-only input to the settings resolution chain, between module defaults
// and stored overrides.
type Manifest struct {
	Modules      []string                          `json:"modules"`
	ModuleConfig map[string]map[string]interface{} `json:"module_config"`
}

// LoadManifest reads manifest.json from a tenant's manifest directory.
// A missing file is not an error: the tenant simply has no overrides.
func LoadManifest(dir string) (*Manifest, error) {
	if dir == "" {
		return nil, nil
	}
	path := filepath.Join(dir, "manifest.json")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}
