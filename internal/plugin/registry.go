package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"lotwatch/internal/metrics"
)

// Record is the registry entry of one manifest file.
type Record struct {
	Info      Info     `json:"info"`
	Path      string   `json:"path"`
	Enabled   bool     `json:"enabled"`
	LoadError string   `json:"load_error,omitempty"`
	Commands  []string `json:"commands,omitempty"`

	ext Extension
}

// Loaded reports whether the manifest produced a working extension.
func (r Record) Loaded() bool {
	return r.ext != nil && r.LoadError == ""
}

// CommandInfo describes a registered command and its owner.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Plugin      string `json:"plugin"`
}

type ownedCommand struct {
	owner string
	cmd   Command
}

// Registry owns the loaded plugins, their enable state and the command table.
type Registry struct {
	dir     string
	state   StateStore
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	records  map[string]*Record
	order    []string
	commands map[string]ownedCommand
}

// NewRegistry creates a registry over dir. state and metrics may be nil.
func NewRegistry(dir string, state StateStore, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
	}
	return &Registry{
		dir:      dir,
		state:    state,
		logger:   logger.With("component", "plugins"),
		metrics:  m,
		records:  make(map[string]*Record),
		commands: make(map[string]ownedCommand),
	}
}

// LoadAll replaces the registry contents with every manifest in the plugin
// directory. Broken manifests are recorded with their error; a duplicate uuid
// is skipped so the first file in name order wins.
func (r *Registry) LoadAll(ctx context.Context) error {
	files, err := manifestFiles(r.dir)
	if err != nil {
		return err
	}
	disabled, err := r.disabledSet()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.records = make(map[string]*Record)
	r.order = nil
	r.commands = make(map[string]ownedCommand)
	r.mu.Unlock()

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := r.load(path, disabled)
		if err := r.add(rec); err != nil {
			r.logger.Warn("plugin rejected", "path", path, "uuid", rec.Info.UUID, "error", err)
			continue
		}
		r.logLoaded(rec)
	}
	return nil
}

// LoadOne loads a single manifest. A relative path is resolved against the
// plugin directory; the result must be a yaml file inside it.
func (r *Registry) LoadOne(ctx context.Context, path string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	path, err := r.resolve(path)
	if err != nil {
		return Record{}, err
	}
	disabled, err := r.disabledSet()
	if err != nil {
		return Record{}, err
	}
	rec := r.load(path, disabled)
	if err := r.add(rec); err != nil {
		return Record{}, err
	}
	r.logLoaded(rec)
	return r.snapshot(rec), nil
}

// Enable marks uuid enabled, persists the flag and re-registers its commands.
func (r *Registry) Enable(uuid string) error {
	return r.setEnabled(uuid, true)
}

// Disable marks uuid disabled, persists the flag and unregisters its commands.
func (r *Registry) Disable(uuid string) error {
	return r.setEnabled(uuid, false)
}

func (r *Registry) setEnabled(uuid string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[uuid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, uuid)
	}
	if r.state != nil {
		if err := r.state.SetDisabled(uuid, !enabled); err != nil {
			return err
		}
	}
	rec.Enabled = enabled
	if enabled {
		r.registerCommandsLocked(rec)
	} else {
		r.unregisterCommandsLocked(uuid)
		rec.Commands = nil
	}
	r.logger.Info("plugin state changed", "uuid", uuid, "name", rec.Info.Name, "enabled", enabled)
	return nil
}

// Remove unregisters uuid and forgets its state. The manifest file is deleted
// only for a record that loaded and whose path is inside the plugin directory.
func (r *Registry) Remove(uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[uuid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, uuid)
	}
	if rec.LoadError == "" {
		path, err := r.resolve(rec.Path)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove plugin file: %w", err)
		}
	}
	r.unregisterCommandsLocked(uuid)
	delete(r.records, uuid)
	for i, id := range r.order {
		if id == uuid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.state != nil {
		if err := r.state.Forget(uuid); err != nil {
			r.logger.Warn("forget plugin state failed", "uuid", uuid, "error", err)
		}
	}
	r.logger.Info("plugin removed", "uuid", uuid, "path", rec.Path)
	return nil
}

// resolve returns the absolute form of path after checking it names a
// manifest inside the plugin directory.
func (r *Registry) resolve(path string) (string, error) {
	if r.dir == "" {
		return "", fmt.Errorf("%w: no plugin directory configured", ErrOutsidePluginDir)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dir, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(r.dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsidePluginDir, path)
	}
	if !isManifestName(path) {
		return "", fmt.Errorf("%w: %s is not a yaml manifest", ErrOutsidePluginDir, path)
	}
	return path, nil
}

// List returns every record in load order.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.snapshot(r.records[id]))
	}
	return out
}

// Get returns the record of uuid.
func (r *Registry) Get(uuid string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[uuid]
	if !ok {
		return Record{}, false
	}
	return r.snapshot(rec), true
}

// Commands lists the registered commands sorted by name.
func (r *Registry) Commands() []CommandInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CommandInfo, 0, len(r.commands))
	for name, oc := range r.commands {
		out = append(out, CommandInfo{Name: name, Description: oc.cmd.Description, Plugin: oc.owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) disabledSet() (map[string]bool, error) {
	if r.state == nil {
		return map[string]bool{}, nil
	}
	return r.state.Disabled()
}

// load builds a record for path. It never fails: problems end up in LoadError.
func (r *Registry) load(path string, disabled map[string]bool) *Record {
	rec := &Record{Path: path}
	defer func() {
		if rec.Info.UUID == "" {
			rec.Info.UUID = "invalid:" + path
		}
		rec.Enabled = !disabled[rec.Info.UUID]
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		rec.LoadError = fmt.Sprintf("read manifest: %v", err)
		return rec
	}
	manifest, err := parseManifest(data)
	if err != nil {
		rec.Info = guessIdentity(data)
		rec.LoadError = err.Error()
		return rec
	}
	rec.Info = manifest.Info()
	if err := manifest.Validate(); err != nil {
		rec.LoadError = err.Error()
		return rec
	}
	factory, ok := lookupDriver(manifest.Driver)
	if !ok {
		rec.LoadError = fmt.Sprintf("unknown driver %q", manifest.Driver)
		return rec
	}
	ext, err := safeBuild(factory, manifest)
	if err != nil {
		rec.LoadError = err.Error()
		return rec
	}
	rec.ext = ext
	return rec
}

func safeBuild(factory Factory, m *Manifest) (ext Extension, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("driver panic: %v", rec)
		}
	}()
	ext, err = factory(m)
	if err == nil && ext == nil {
		err = errors.New("driver returned no extension")
	}
	return ext, err
}

func (r *Registry) add(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[rec.Info.UUID]; ok {
		return fmt.Errorf("%w: %s already loaded from %s", ErrDuplicateUUID, rec.Info.UUID, existing.Path)
	}
	r.records[rec.Info.UUID] = rec
	r.order = append(r.order, rec.Info.UUID)
	if rec.Enabled {
		r.registerCommandsLocked(rec)
	}
	return nil
}

func (r *Registry) registerCommandsLocked(rec *Record) {
	if !rec.Loaded() {
		return
	}
	commander, ok := rec.ext.(Commander)
	if !ok {
		return
	}
	rec.Commands = nil
	for _, cmd := range commander.Commands() {
		name := normalizeCommand(cmd.Name)
		if name == "" || cmd.Handler == nil {
			continue
		}
		if held, taken := r.commands[name]; taken && held.owner != rec.Info.UUID {
			r.logger.Warn("command already registered", "command", name, "owner", held.owner, "plugin", rec.Info.UUID)
			continue
		}
		cmd.Name = name
		r.commands[name] = ownedCommand{owner: rec.Info.UUID, cmd: cmd}
		rec.Commands = append(rec.Commands, name)
	}
}

func (r *Registry) unregisterCommandsLocked(uuid string) {
	for name, oc := range r.commands {
		if oc.owner == uuid {
			delete(r.commands, name)
		}
	}
}

func (r *Registry) snapshot(rec *Record) Record {
	out := *rec
	out.Commands = append([]string(nil), rec.Commands...)
	return out
}

func (r *Registry) logLoaded(rec *Record) {
	if rec.LoadError != "" {
		r.logger.Warn("plugin failed to load", "path", rec.Path, "uuid", rec.Info.UUID, "error", rec.LoadError)
		return
	}
	r.logger.Info("plugin loaded",
		"name", rec.Info.Name,
		"uuid", rec.Info.UUID,
		"version", rec.Info.Version,
		"enabled", rec.Enabled,
		"commands", len(rec.Commands),
	)
}

// normalizeCommand case-folds a command name and strips leading slashes.
func normalizeCommand(name string) string {
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	return cases.Fold().String(norm.NFC.String(name))
}
