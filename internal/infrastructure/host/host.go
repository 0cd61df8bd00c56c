// Package host loads plugin modules, owns their sandbox lifecycles, and
// routes chat commands and events to them.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/streamplug/streamplug/internal/domain/backends"
	"github.com/streamplug/streamplug/internal/domain/permission"
	"github.com/streamplug/streamplug/internal/domain/plugin"
	"github.com/streamplug/streamplug/internal/infrastructure/capability"
	"github.com/streamplug/streamplug/internal/infrastructure/sandbox"
)

// Config carries everything the host needs to discover and run plugins.
type Config struct {
	PluginDirs []string       `mapstructure:"plugin_dirs" yaml:"plugin_dirs"`
	StateFile  string         `mapstructure:"state_file" yaml:"state_file"`
	Allowlist  []string       `mapstructure:"allowlist" yaml:"allowlist"`
	Limits     sandbox.Limits `mapstructure:"limits" yaml:"limits"`
	Guards     []GuardConfig  `mapstructure:"guards" yaml:"guards"`
}

// executor is the slice of the sandbox controller the host drives. It
// exists so dispatch logic is testable without real processes.
type executor interface {
	Descriptor() *plugin.Descriptor
	ExecuteCommand(command, caller string, args []string, kwargs map[string]any) (string, error)
	SetEnabled(enabled bool) error
	DeliverEvent(event string, payload map[string]any) error
	SetCurrentTenant(tenant string)
	Stats() (*sandbox.Stats, error)
	Shutdown()
}

// executorFactory spawns a sandbox for one module path. The dispatcher is
// attached before any plugin code can issue capability requests that
// should succeed.
type executorFactory func(ctx context.Context, path string, limits sandbox.Limits, d sandbox.Dispatcher) (executor, error)

func spawnExecutor(ctx context.Context, path string, limits sandbox.Limits, d sandbox.Dispatcher) (executor, error) {
	ctrl := sandbox.NewController(path, limits, d)
	if err := ctrl.Start(ctx); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// lazyDispatcher defers capability dispatch to a context that only exists
// once the handshake has been filtered. Requests arriving earlier, for
// example from module top-level code, are refused.
type lazyDispatcher struct {
	mu    sync.RWMutex
	inner sandbox.Dispatcher
}

func (l *lazyDispatcher) bind(d sandbox.Dispatcher) {
	l.mu.Lock()
	l.inner = d
	l.mu.Unlock()
}

func (l *lazyDispatcher) Dispatch(ctx context.Context, tenant, method string, args []any) (any, error) {
	l.mu.RLock()
	inner := l.inner
	l.mu.RUnlock()
	if inner == nil {
		return nil, &sandbox.SecurityViolationError{Op: method, Reason: "capabilities unavailable before load completes"}
	}
	return inner.Dispatch(ctx, tenant, method, args)
}

// pluginProxy is one loaded plugin: its sandbox, descriptor, and runtime
// enabled toggle.
type pluginProxy struct {
	name    plugin.Name
	path    string
	exec    executor
	enabled atomic.Bool
}

func (p *pluginProxy) descriptor() *plugin.Descriptor {
	return p.exec.Descriptor()
}

// Host owns every loaded plugin and the shared dispatch state.
type Host struct {
	cfg       Config
	catalog   permission.Catalog
	allowlist permission.Set
	backends  *backends.Backends
	states    *StateStore
	guards    map[string][]*guard

	mu      sync.RWMutex
	plugins []*pluginProxy // load order
	byName  map[string]*pluginProxy

	spawn executorFactory
}

// New builds a host. Guard expressions are compiled eagerly so a bad
// configuration fails before any plugin is loaded.
func New(cfg Config, b *backends.Backends) (*Host, error) {
	guards, err := compileGuards(cfg.Guards)
	if err != nil {
		return nil, err
	}

	states := NewStateStore(cfg.StateFile)
	if err := states.Load(); err != nil {
		return nil, err
	}

	if cfg.Limits == (sandbox.Limits{}) {
		cfg.Limits = sandbox.DefaultLimits()
	}

	return &Host{
		cfg:       cfg,
		catalog:   permission.DefaultCatalog(),
		allowlist: permission.FromStrings(cfg.Allowlist),
		backends:  b,
		states:    states,
		guards:    guards,
		byName:    make(map[string]*pluginProxy),
		spawn:     spawnExecutor,
	}, nil
}

// LoadAll discovers and loads every module under the configured plugin
// directories. Individual load failures are logged and skipped; discovery
// failures abort.
func (h *Host) LoadAll(ctx context.Context) error {
	for _, dir := range h.cfg.PluginDirs {
		paths, err := discover(dir)
		if err != nil {
			return err
		}
		for _, path := range paths {
			if err := h.LoadFile(ctx, path); err != nil {
				slog.Error("plugin load failed", "path", path, "error", err)
			}
		}
	}
	return nil
}

// discover lists loadable modules in dir: *.js files whose names do not
// start with an underscore, sorted for a deterministic load order.
func discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") || !strings.HasSuffix(name, ".js") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadFile runs the full load pipeline for one module: pre-scan, sandbox
// start, permission filtering, state restoration.
func (h *Host) LoadFile(ctx context.Context, path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}
	if err := Prescan(source); err != nil {
		return err
	}

	lazy := &lazyDispatcher{}
	exec, err := h.spawn(ctx, path, h.cfg.Limits, lazy)
	if err != nil {
		return err
	}

	desc := exec.Descriptor()
	if desc == nil {
		exec.Shutdown()
		return fmt.Errorf("%w: sandbox returned no descriptor", sandbox.ErrLifecycle)
	}
	name := desc.Name.String()

	h.mu.Lock()
	if _, exists := h.byName[name]; exists {
		h.mu.Unlock()
		exec.Shutdown()
		return fmt.Errorf("plugin %s is already loaded", name)
	}
	h.mu.Unlock()

	desc.Granted = permission.FilterNamed(name, desc.Declared, h.catalog, h.allowlist)
	lazy.bind(capability.NewContext(desc.Name, desc.Granted, h.backends))

	proxy := &pluginProxy{name: desc.Name, path: path, exec: exec}

	enabled := true
	if persisted, present := h.states.Enabled(name); present {
		enabled = persisted
	}
	proxy.enabled.Store(enabled)

	// The enable hook runs only for plugins that come up enabled;
	// restoring a persisted "disabled" must not touch plugin code.
	if enabled {
		if err := exec.SetEnabled(true); err != nil {
			slog.Warn("enable hook failed", "plugin", name, "error", err)
		}
	}

	h.mu.Lock()
	if _, exists := h.byName[name]; exists {
		h.mu.Unlock()
		exec.Shutdown()
		return fmt.Errorf("plugin %s is already loaded", name)
	}
	h.plugins = append(h.plugins, proxy)
	h.byName[name] = proxy
	h.mu.Unlock()

	slog.Info("plugin loaded",
		"plugin", name,
		"version", desc.Version.String(),
		"enabled", enabled,
		"granted", desc.Granted.Sorted())
	return nil
}

func (h *Host) proxy(name string) (*pluginProxy, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.byName[name]
	if !ok {
		return nil, fmt.Errorf("plugin %s is not loaded", name)
	}
	return p, nil
}

// SetEnabled toggles a plugin at runtime and persists the new state.
func (h *Host) SetEnabled(name string, enabled bool) error {
	p, err := h.proxy(name)
	if err != nil {
		return err
	}
	if p.enabled.Load() == enabled {
		return nil
	}

	if err := p.exec.SetEnabled(enabled); err != nil {
		slog.Warn("enabled-state hook failed", "plugin", name, "enabled", enabled, "error", err)
	}
	p.enabled.Store(enabled)
	return h.states.Set(name, enabled)
}

// ReloadStates re-reads the state file and applies any toggles that differ
// from the current runtime state.
func (h *Host) ReloadStates() error {
	if err := h.states.Load(); err != nil {
		return err
	}
	for name, enabled := range h.states.All() {
		p, err := h.proxy(name)
		if err != nil {
			continue
		}
		if p.enabled.Load() == enabled {
			continue
		}
		if err := p.exec.SetEnabled(enabled); err != nil {
			slog.Warn("enabled-state hook failed", "plugin", name, "enabled", enabled, "error", err)
		}
		p.enabled.Store(enabled)
	}
	return nil
}

// HandleCommand dispatches a chat command. Plugins are consulted in load
// order; the first enabled plugin exposing the command runs it. A failing
// plugin is logged and the next matching plugin gets the command. The
// first non-empty result wins.
func (h *Host) HandleCommand(ctx context.Context, command, caller string, args []string, userInfo map[string]any, tenant string) (string, error) {
	h.mu.RLock()
	candidates := make([]*pluginProxy, len(h.plugins))
	copy(candidates, h.plugins)
	h.mu.RUnlock()

	handled := false
	for _, p := range candidates {
		if !p.enabled.Load() || !p.descriptor().HasCommand(command) {
			continue
		}
		if !h.guardsAllow(p.name.String(), guardEnv{
			Command: command,
			Caller:  caller,
			Tenant:  tenant,
			Plugin:  p.name.String(),
		}) {
			continue
		}

		result, err := h.executeScoped(p, command, caller, args, userInfo, tenant)
		if err != nil {
			slog.Warn("command handler failed, trying next plugin",
				"plugin", p.name.String(), "command", command, "error", err)
			continue
		}
		handled = true
		if result != "" {
			return result, nil
		}
	}

	if !handled {
		return "", fmt.Errorf("no plugin handles command %s", command)
	}
	return "", nil
}

// executeScoped brackets one command execution with the transient tenant.
func (h *Host) executeScoped(p *pluginProxy, command, caller string, args []string, userInfo map[string]any, tenant string) (string, error) {
	p.exec.SetCurrentTenant(tenant)
	defer p.exec.SetCurrentTenant("")
	return p.exec.ExecuteCommand(command, caller, args, userInfo)
}

func (h *Host) guardsAllow(name string, env guardEnv) bool {
	for _, g := range h.guards[name] {
		if !g.allow(env) {
			return false
		}
	}
	return true
}

// BroadcastEvent fans an event out to every enabled plugin declaring the
// hook. One plugin's failure never reaches another; errors are logged and
// swallowed.
func (h *Host) BroadcastEvent(ctx context.Context, event string, payload map[string]any, tenant string) {
	h.mu.RLock()
	candidates := make([]*pluginProxy, len(h.plugins))
	copy(candidates, h.plugins)
	h.mu.RUnlock()

	var g errgroup.Group
	for _, p := range candidates {
		if !p.enabled.Load() || !p.descriptor().HasEvent(event) {
			continue
		}
		g.Go(func() error {
			p.exec.SetCurrentTenant(tenant)
			defer p.exec.SetCurrentTenant("")
			if err := p.exec.DeliverEvent(event, payload); err != nil {
				slog.Warn("event hook failed",
					"plugin", p.name.String(), "event", event, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Info is a read-only snapshot of one loaded plugin for display.
type Info struct {
	Name        string
	Version     string
	Author      string
	Description string
	Enabled     bool
	Granted     []string
	Commands    []string
	Events      []string
	Path        string
}

// Plugins lists every loaded plugin in load order.
func (h *Host) Plugins() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]Info, 0, len(h.plugins))
	for _, p := range h.plugins {
		desc := p.descriptor()
		infos = append(infos, Info{
			Name:        desc.Name.String(),
			Version:     desc.Version.String(),
			Author:      desc.Author,
			Description: desc.Description,
			Enabled:     p.enabled.Load(),
			Granted:     desc.Granted.Sorted(),
			Commands:    desc.Commands,
			Events:      desc.Events,
			Path:        p.path,
		})
	}
	return infos
}

// Stats samples the sandbox process of one plugin.
func (h *Host) Stats(name string) (*sandbox.Stats, error) {
	p, err := h.proxy(name)
	if err != nil {
		return nil, err
	}
	return p.exec.Stats()
}

// Shutdown stops every plugin sandbox. Safe to call on an empty host.
func (h *Host) Shutdown() {
	h.mu.Lock()
	plugins := h.plugins
	h.plugins = nil
	h.byName = make(map[string]*pluginProxy)
	h.mu.Unlock()

	for _, p := range plugins {
		p.exec.Shutdown()
	}
}
