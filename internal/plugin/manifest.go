package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const defaultDriver = "rules"

// Manifest is the YAML description of one plugin file.
type Manifest struct {
	Name        string `yaml:"name"`
	UUID        string `yaml:"uuid"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Credits     string `yaml:"credits"`
	Driver      string `yaml:"driver"`

	// Body is the full document, left for the driver to decode.
	Body yaml.Node `yaml:"-"`
}

// Info returns the trimmed identity of the manifest.
func (m *Manifest) Info() Info {
	return Info{
		Name:        strings.TrimSpace(m.Name),
		UUID:        strings.TrimSpace(m.UUID),
		Version:     strings.TrimSpace(m.Version),
		Description: strings.TrimSpace(m.Description),
		Credits:     strings.TrimSpace(m.Credits),
	}
}

// Validate checks the required identity fields.
func (m *Manifest) Validate() error {
	info := m.Info()
	var missing []string
	if info.Name == "" {
		missing = append(missing, "name")
	}
	if info.UUID == "" {
		missing = append(missing, "uuid")
	}
	if info.Version == "" {
		missing = append(missing, "version")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidManifest, strings.Join(missing, ", "))
	}
	return nil
}

// Factory builds an extension from a validated manifest.
type Factory func(m *Manifest) (Extension, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Factory{}
)

// RegisterDriver makes a manifest driver available by name. Registering the same
// name twice replaces the previous factory.
func RegisterDriver(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[strings.ToLower(strings.TrimSpace(name))] = f
}

func lookupDriver(name string) (Factory, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = defaultDriver
	}
	driversMu.RLock()
	defer driversMu.RUnlock()
	f, ok := drivers[name]
	return f, ok
}

// parseManifest decodes a manifest file.
func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m.Body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Body.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return &m, nil
}

var identityLine = regexp.MustCompile(`(?m)^\s*(name|uuid|version|description|credits)\s*:\s*["']?(.+?)["']?\s*$`)

// guessIdentity scrapes identity fields from a file that does not parse, so a
// broken plugin is still listed under a recognisable name.
func guessIdentity(data []byte) Info {
	if len(data) > 10000 {
		data = data[:10000]
	}
	var info Info
	for _, m := range identityLine.FindAllSubmatch(data, -1) {
		val := strings.TrimSpace(string(m[2]))
		switch string(m[1]) {
		case "name":
			if info.Name == "" {
				info.Name = val
			}
		case "uuid":
			if info.UUID == "" {
				info.UUID = val
			}
		case "version":
			if info.Version == "" {
				info.Version = val
			}
		case "description":
			if info.Description == "" {
				info.Description = val
			}
		case "credits":
			if info.Credits == "" {
				info.Credits = val
			}
		}
	}
	return info
}

// manifestFiles lists plugin manifests in dir in name order.
func manifestFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isManifestName(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func isManifestName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
