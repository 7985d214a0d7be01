package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.yaml.in/yaml/v3"

	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/contracts"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// manifestFile is the well-known manifest name inside a bundle directory.
const manifestFile = "bundle.yaml"

// activeSetKey is the option-store key holding the persisted active slugs.
const activeSetKey = "agents:active"

// Typed lifecycle failures.
var (
	ErrNotFound      = fmt.Errorf("bundle not found")
	ErrAlreadyActive = fmt.Errorf("bundle already active")
	ErrNotActive     = fmt.Errorf("bundle not active")
	ErrVersionTooOld = fmt.Errorf("engine or runtime version below bundle minimum")
)

// IOError wraps filesystem failures during lifecycle operations.
type IOError struct {
	Op   string
	Slug string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("bundle %s: %s: %v", e.Slug, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Factory builds a live agent from a parsed manifest. Bundles with custom
// behavior register one; everything else gets a ManifestAgent.
type Factory func(manifest models.AgentManifest) contracts.Agent

// BundleState is the catalog view of one discovered bundle.
type BundleState struct {
	Manifest models.AgentManifest `json:"manifest"`
	Dir      string               `json:"-"`
	Active   bool                 `json:"active"`
}

// Manager discovers bundles on disk and drives their lifecycle. The
// active set is persisted in the option store so activation survives
// restarts.
type Manager struct {
	dir           string
	engineVersion string
	registry      *Registry
	options       store.OptionStore

	mu        sync.Mutex
	catalog   map[string]*BundleState
	factories map[string]Factory
}

// NewManager creates a bundle manager over the given bundles directory.
func NewManager(dir, engineVersion string, registry *Registry, options store.OptionStore) *Manager {
	return &Manager{
		dir:           dir,
		engineVersion: engineVersion,
		registry:      registry,
		options:       options,
		catalog:       make(map[string]*BundleState),
		factories:     make(map[string]Factory),
	}
}

// RegisterFactory binds a custom agent constructor to a bundle slug.
// Must be called before LoadActive or Activate for that slug.
func (m *Manager) RegisterFactory(slug string, f Factory) {
	m.mu.Lock()
	m.factories[slug] = f
	m.mu.Unlock()
}

// Discover scans the bundles directory for manifests and rebuilds the
// catalog without loading any agent code. Bundles with malformed
// manifests are logged and skipped.
func (m *Manager) Discover(ctx context.Context) ([]BundleState, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IOError{Op: "scan bundles dir", Err: err}
	}

	active, err := m.loadActiveSet(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog = make(map[string]*BundleState)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.dir, entry.Name())
		manifest, err := readManifest(dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", entry.Name()).Msg("Skipping bundle with unreadable manifest")
			continue
		}
		m.catalog[manifest.Slug] = &BundleState{
			Manifest: *manifest,
			Dir:      dir,
			Active:   active[manifest.Slug],
		}
	}

	log.Info().Int("bundles", len(m.catalog)).Msg("Bundle catalog built")
	return m.snapshotLocked(), nil
}

// Catalog returns the discovered bundles sorted by slug.
func (m *Manager) Catalog() []BundleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []BundleState {
	out := make([]BundleState, 0, len(m.catalog))
	for _, b := range m.catalog {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.Slug < out[j].Manifest.Slug })
	return out
}

func readManifest(dir string) (*models.AgentManifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var manifest models.AgentManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestFile, err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Install validates a bundle directory and adds it to the catalog.
// The directory must already exist under the bundles dir; Install is the
// step that turns "files on disk" into "installed".
func (m *Manager) Install(ctx context.Context, slug string) (*BundleState, error) {
	dir := filepath.Join(m.dir, slug)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &IOError{Op: "stat", Slug: slug, Err: err}
	}

	manifest, err := readManifest(dir)
	if err != nil {
		return nil, &IOError{Op: "read manifest", Slug: slug, Err: err}
	}
	if manifest.Slug != slug {
		return nil, fmt.Errorf("bundle dir %q declares slug %q", slug, manifest.Slug)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	state, exists := m.catalog[slug]
	if exists {
		state.Manifest = *manifest
		state.Dir = dir
	} else {
		state = &BundleState{Manifest: *manifest, Dir: dir}
		m.catalog[slug] = state
	}
	log.Info().Str("slug", slug).Str("version", manifest.Version).Msg("Bundle installed")
	cp := *state
	return &cp, nil
}

// Activate checks version constraints, instantiates the agent, registers
// it and persists the slug into the active set.
func (m *Manager) Activate(ctx context.Context, slug string) error {
	m.mu.Lock()
	state, ok := m.catalog[slug]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if state.Active {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	manifest := state.Manifest
	factory := m.factories[slug]
	m.mu.Unlock()

	if err := checkVersions(manifest, m.engineVersion); err != nil {
		return err
	}

	agent := m.instantiate(manifest, factory)
	m.registry.Register(agent)

	m.mu.Lock()
	state.Active = true
	m.mu.Unlock()

	if err := m.saveActiveSet(ctx); err != nil {
		return err
	}
	log.Info().Str("slug", slug).Msg("Bundle activated")
	return nil
}

// Deactivate runs the agent's cleanup hook, unregisters it and removes
// the slug from the active set. Deactivating an inactive bundle returns
// ErrNotActive and changes nothing.
func (m *Manager) Deactivate(ctx context.Context, slug string) error {
	m.mu.Lock()
	state, ok := m.catalog[slug]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !state.Active {
		m.mu.Unlock()
		return ErrNotActive
	}
	m.mu.Unlock()

	if agent, err := m.registry.GetInstance(slug); err == nil {
		if cerr := agent.Cleanup(ctx); cerr != nil {
			log.Warn().Err(cerr).Str("slug", slug).Msg("Agent cleanup failed during deactivation")
		}
	}
	m.registry.Unregister(slug)

	m.mu.Lock()
	state.Active = false
	m.mu.Unlock()

	if err := m.saveActiveSet(ctx); err != nil {
		return err
	}
	log.Info().Str("slug", slug).Msg("Bundle deactivated")
	return nil
}

// Delete removes the bundle from disk. Active bundles are deactivated
// first so the cleanup hook runs.
func (m *Manager) Delete(ctx context.Context, slug string) error {
	m.mu.Lock()
	state, ok := m.catalog[slug]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	active := state.Active
	dir := state.Dir
	m.mu.Unlock()

	if active {
		if err := m.Deactivate(ctx, slug); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return &IOError{Op: "remove", Slug: slug, Err: err}
	}

	m.mu.Lock()
	delete(m.catalog, slug)
	m.mu.Unlock()

	log.Info().Str("slug", slug).Msg("Bundle deleted")
	return nil
}

// LoadActive instantiates and registers every bundle in the persisted
// active set. Called once at process start, after Discover. Bundles that
// fail to load are logged and skipped so one broken bundle cannot take
// the engine down.
func (m *Manager) LoadActive(ctx context.Context) int {
	m.mu.Lock()
	var toLoad []*BundleState
	for _, state := range m.catalog {
		if state.Active {
			toLoad = append(toLoad, state)
		}
	}
	m.mu.Unlock()

	loaded := 0
	for _, state := range toLoad {
		if err := checkVersions(state.Manifest, m.engineVersion); err != nil {
			log.Warn().Err(err).Str("slug", state.Manifest.Slug).Msg("Active bundle skipped at startup")
			continue
		}
		m.mu.Lock()
		factory := m.factories[state.Manifest.Slug]
		m.mu.Unlock()
		m.registry.Register(m.instantiate(state.Manifest, factory))
		loaded++
	}
	if loaded > 0 {
		log.Info().Int("agents", loaded).Msg("Active agents loaded")
	}
	return loaded
}

func (m *Manager) instantiate(manifest models.AgentManifest, factory Factory) contracts.Agent {
	if factory != nil {
		return factory(manifest)
	}
	return NewManifestAgent(manifest)
}

// checkVersions enforces a bundle's minimum engine and Go runtime
// versions.
func checkVersions(manifest models.AgentManifest, engineVersion string) error {
	if manifest.MinEngineVersion != "" &&
		models.CompareSemver(engineVersion, manifest.MinEngineVersion) < 0 {
		return fmt.Errorf("%w: requires engine >= %s, running %s",
			ErrVersionTooOld, manifest.MinEngineVersion, engineVersion)
	}
	if manifest.MinRuntimeVersion != "" {
		current := strings.TrimPrefix(runtime.Version(), "go")
		if models.CompareSemver(current, manifest.MinRuntimeVersion) < 0 {
			return fmt.Errorf("%w: requires go >= %s, running %s",
				ErrVersionTooOld, manifest.MinRuntimeVersion, current)
		}
	}
	return nil
}

func (m *Manager) loadActiveSet(ctx context.Context) (map[string]bool, error) {
	raw, err := m.options.GetOption(ctx, activeSetKey)
	if err != nil {
		if store.IsNotFound(err) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("load active set: %w", err)
	}
	var slugs []string
	if err := json.Unmarshal([]byte(raw), &slugs); err != nil {
		log.Warn().Err(err).Msg("Active set corrupt, resetting")
		return map[string]bool{}, nil
	}
	active := make(map[string]bool, len(slugs))
	for _, s := range slugs {
		active[s] = true
	}
	return active, nil
}

func (m *Manager) saveActiveSet(ctx context.Context) error {
	m.mu.Lock()
	var slugs []string
	for slug, state := range m.catalog {
		if state.Active {
			slugs = append(slugs, slug)
		}
	}
	m.mu.Unlock()

	sort.Strings(slugs)
	raw, _ := json.Marshal(slugs)
	if err := m.options.SetOption(ctx, activeSetKey, string(raw)); err != nil {
		return fmt.Errorf("persist active set: %w", err)
	}
	return nil
}
