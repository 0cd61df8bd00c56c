package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplug/streamplug/internal/domain/permission"
	"github.com/streamplug/streamplug/internal/domain/plugin"
	"github.com/streamplug/streamplug/internal/infrastructure/sandbox"
)

// fakeExecutor stands in for a sandbox controller in dispatch tests.
type fakeExecutor struct {
	mu sync.Mutex

	desc *plugin.Descriptor

	result  string
	execErr error

	tenant        string
	tenantsDuring []string
	commands      []string
	enabledCalls  []bool
	events        []string
	eventErr      error
	shutdowns     int
}

func newFakeExecutor(name string, commands, events []string) *fakeExecutor {
	return &fakeExecutor{
		desc: &plugin.Descriptor{
			Name:     plugin.MustNewName(name),
			Version:  semver.MustParse("1.0.0"),
			Declared: permission.NewSet(permission.CoreLog),
			Commands: commands,
			Events:   events,
		},
	}
}

func (f *fakeExecutor) Descriptor() *plugin.Descriptor { return f.desc }

func (f *fakeExecutor) ExecuteCommand(command, caller string, args []string, kwargs map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	f.tenantsDuring = append(f.tenantsDuring, f.tenant)
	return f.result, f.execErr
}

func (f *fakeExecutor) SetEnabled(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabledCalls = append(f.enabledCalls, enabled)
	return nil
}

func (f *fakeExecutor) DeliverEvent(event string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.eventErr
}

func (f *fakeExecutor) SetCurrentTenant(tenant string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenant = tenant
}

func (f *fakeExecutor) Stats() (*sandbox.Stats, error) {
	return &sandbox.Stats{PID: 1}, nil
}

func (f *fakeExecutor) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

// newTestHost builds a host whose spawner hands out the given fakes keyed
// by module file name.
func newTestHost(t *testing.T, cfg Config, fakes map[string]*fakeExecutor) (*Host, string) {
	t.Helper()

	dir := t.TempDir()
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(dir, "states.yaml")
	}
	if len(cfg.PluginDirs) == 0 {
		cfg.PluginDirs = []string{dir}
	}
	if cfg.Allowlist == nil {
		cfg.Allowlist = []string{"core:log", "chat:send"}
	}

	h, err := New(cfg, nil)
	require.NoError(t, err)

	var spawned int
	h.spawn = func(_ context.Context, path string, _ sandbox.Limits, _ sandbox.Dispatcher) (executor, error) {
		spawned++
		fake, ok := fakes[filepath.Base(path)]
		if !ok {
			return nil, errors.New("no fake for " + path)
		}
		return fake, nil
	}
	return h, dir
}

func writeModule(t *testing.T, dir, name, source string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

const benignSource = `plugin.register({name: "x", version: "1.0.0"});`

func TestPrescanShortCircuitsBeforeSpawn(t *testing.T) {
	var spawnCalls int
	h, dir := newTestHost(t, Config{}, nil)
	h.spawn = func(_ context.Context, _ string, _ sandbox.Limits, _ sandbox.Dispatcher) (executor, error) {
		spawnCalls++
		return nil, errors.New("unreachable")
	}

	path := writeModule(t, dir, "evil.js", `var x = eval("1+1");`)
	err := h.LoadFile(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrSecurityViolation)
	assert.Zero(t, spawnCalls, "a rejected module must never get a process")
}

func TestLoadRunsEnableHookForEnabledPlugins(t *testing.T) {
	fake := newFakeExecutor("greeter", []string{"!hello"}, nil)
	h, dir := newTestHost(t, Config{}, map[string]*fakeExecutor{"greeter.js": fake})

	path := writeModule(t, dir, "greeter.js", benignSource)
	require.NoError(t, h.LoadFile(context.Background(), path))

	assert.Equal(t, []bool{true}, fake.enabledCalls)
	infos := h.Plugins()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Enabled)
	assert.Equal(t, []string{"core:log"}, infos[0].Granted)
}

func TestRestoringDisabledStateSkipsEnableHook(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "states.yaml")
	require.NoError(t, os.WriteFile(stateFile, []byte("greeter: false\n"), 0o644))

	fake := newFakeExecutor("greeter", []string{"!hello"}, nil)
	h, _ := newTestHost(t, Config{StateFile: stateFile, PluginDirs: []string{dir}},
		map[string]*fakeExecutor{"greeter.js": fake})

	path := writeModule(t, dir, "greeter.js", benignSource)
	require.NoError(t, h.LoadFile(context.Background(), path))

	assert.Empty(t, fake.enabledCalls, "plugin code must not run hooks while disabled")
	assert.False(t, h.Plugins()[0].Enabled)
}

func TestStatePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "states.yaml")

	fake := newFakeExecutor("greeter", []string{"!hello"}, nil)
	h, pluginDir := newTestHost(t, Config{StateFile: stateFile},
		map[string]*fakeExecutor{"greeter.js": fake})

	path := writeModule(t, pluginDir, "greeter.js", benignSource)
	require.NoError(t, h.LoadFile(context.Background(), path))
	require.NoError(t, h.SetEnabled("greeter", false))

	// A second host restoring from the same file sees the toggle.
	fake2 := newFakeExecutor("greeter", []string{"!hello"}, nil)
	h2, _ := newTestHost(t, Config{StateFile: stateFile, PluginDirs: []string{pluginDir}},
		map[string]*fakeExecutor{"greeter.js": fake2})
	require.NoError(t, h2.LoadFile(context.Background(), path))

	assert.False(t, h2.Plugins()[0].Enabled)
	assert.Empty(t, fake2.enabledCalls)
}

func TestCorruptStateFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "states.yaml")
	require.NoError(t, os.WriteFile(stateFile, []byte("{{{ not yaml"), 0o644))

	_, err := New(Config{StateFile: stateFile, PluginDirs: []string{dir}}, nil)
	assert.NoError(t, err)
}

func TestHandleCommandFallsThroughOnError(t *testing.T) {
	failing := newFakeExecutor("flaky", []string{"!dice"}, nil)
	failing.execErr = errors.New("handler threw")
	healthy := newFakeExecutor("steady", []string{"!dice"}, nil)
	healthy.result = "you rolled 6"

	h, dir := newTestHost(t, Config{}, map[string]*fakeExecutor{
		"a_flaky.js":  failing,
		"b_steady.js": healthy,
	})
	require.NoError(t, h.LoadFile(context.Background(), writeModule(t, dir, "a_flaky.js", benignSource)))
	require.NoError(t, h.LoadFile(context.Background(), writeModule(t, dir, "b_steady.js", benignSource)))

	result, err := h.HandleCommand(context.Background(), "!dice", "viewer", nil, nil, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "you rolled 6", result)
	assert.Equal(t, []string{"!dice"}, failing.commands, "failing plugin was tried first")
}

func TestHandleCommandSkipsDisabledAndNonMatching(t *testing.T) {
	disabled := newFakeExecutor("sleeper", []string{"!dice"}, nil)
	other := newFakeExecutor("other", []string{"!poll"}, nil)

	h, dir := newTestHost(t, Config{}, map[string]*fakeExecutor{
		"sleeper.js": disabled,
		"other.js":   other,
	})
	require.NoError(t, h.LoadFile(context.Background(), writeModule(t, dir, "sleeper.js", benignSource)))
	require.NoError(t, h.LoadFile(context.Background(), writeModule(t, dir, "other.js", benignSource)))
	require.NoError(t, h.SetEnabled("sleeper", false))

	_, err := h.HandleCommand(context.Background(), "!dice", "viewer", nil, nil, "tenant-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no plugin handles")
	assert.Empty(t, disabled.commands)
	assert.Empty(t, other.commands)
}

func TestHandleCommandScopesTenant(t *testing.T) {
	fake := newFakeExecutor("greeter", []string{"!hello"}, nil)
	fake.result = "hi"
	h, dir := newTestHost(t, Config{}, map[string]*fakeExecutor{"greeter.js": fake})
	require.NoError(t, h.LoadFile(context.Background(), writeModule(t, dir, "greeter.js", benignSource)))

	_, err := h.HandleCommand(context.Background(), "!hello", "viewer", nil, nil, "tenant-9")
	require.NoError(t, err)

	assert.Equal(t, []string{"tenant-9"}, fake.tenantsDuring, "tenant visible during execution")
	assert.Equal(t, "", fake.tenant, "tenant cleared after execution")
}

func TestGuardSkipsPlugin(t *testing.T) {
	guarded := newFakeExecutor("casino", []string{"!bet"}, nil)
	guarded.result = "bet placed"

	h, dir := newTestHost(t, Config{
		Guards: []GuardConfig{{Plugin: "casino", When: `tenant == "vip"`}},
	}, map[string]*fakeExecutor{"casino.js": guarded})
	require.NoError(t, h.LoadFile(context.Background(), writeModule(t, dir, "casino.js", benignSource)))

	_, err := h.HandleCommand(context.Background(), "!bet", "viewer", nil, nil, "regular")
	require.Error(t, err)
	assert.Empty(t, guarded.commands)

	result, err := h.HandleCommand(context.Background(), "!bet", "viewer", nil, nil, "vip")
	require.NoError(t, err)
	assert.Equal(t, "bet placed", result)
}

func TestBroadcastEventIsolatesFailures(t *testing.T) {
	failing := newFakeExecutor("flaky", nil, []string{"stream_online"})
	failing.eventErr = errors.New("hook threw")
	healthy := newFakeExecutor("steady", nil, []string{"stream_online"})

	h, dir := newTestHost(t, Config{}, map[string]*fakeExecutor{
		"a_flaky.js":  failing,
		"b_steady.js": healthy,
	})
	require.NoError(t, h.LoadFile(context.Background(), writeModule(t, dir, "a_flaky.js", benignSource)))
	require.NoError(t, h.LoadFile(context.Background(), writeModule(t, dir, "b_steady.js", benignSource)))

	h.BroadcastEvent(context.Background(), "stream_online", map[string]any{"viewers": 10}, "tenant-1")

	assert.Equal(t, []string{"stream_online"}, failing.events)
	assert.Equal(t, []string{"stream_online"}, healthy.events,
		"one plugin's failure must not starve the others")
}

func TestDuplicateNameRejected(t *testing.T) {
	first := newFakeExecutor("greeter", nil, nil)
	second := newFakeExecutor("greeter", nil, nil)

	h, dir := newTestHost(t, Config{}, map[string]*fakeExecutor{
		"one.js": first,
		"two.js": second,
	})
	require.NoError(t, h.LoadFile(context.Background(), writeModule(t, dir, "one.js", benignSource)))

	err := h.LoadFile(context.Background(), writeModule(t, dir, "two.js", benignSource))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already loaded")
	assert.Equal(t, 1, second.shutdowns, "losing duplicate must be torn down")
}

func TestReloadStatesAppliesToggles(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "states.yaml")

	fake := newFakeExecutor("greeter", []string{"!hello"}, nil)
	h, pluginDir := newTestHost(t, Config{StateFile: stateFile},
		map[string]*fakeExecutor{"greeter.js": fake})
	require.NoError(t, h.LoadFile(context.Background(), writeModule(t, pluginDir, "greeter.js", benignSource)))

	require.NoError(t, os.WriteFile(stateFile, []byte("greeter: false\n"), 0o644))
	require.NoError(t, h.ReloadStates())

	assert.False(t, h.Plugins()[0].Enabled)
	assert.Equal(t, []bool{true, false}, fake.enabledCalls)
}

func TestLoadAllDiscoversSortedAndSkipsUnderscore(t *testing.T) {
	a := newFakeExecutor("alpha", nil, nil)
	b := newFakeExecutor("beta", nil, nil)

	h, dir := newTestHost(t, Config{}, map[string]*fakeExecutor{
		"alpha.js": a,
		"beta.js":  b,
	})
	writeModule(t, dir, "beta.js", benignSource)
	writeModule(t, dir, "alpha.js", benignSource)
	writeModule(t, dir, "_disabled.js", benignSource)
	writeModule(t, dir, "notes.txt", "not a module")

	require.NoError(t, h.LoadAll(context.Background()))

	infos := h.Plugins()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "beta", infos[1].Name)
}

func TestShutdownStopsEverything(t *testing.T) {
	fake := newFakeExecutor("greeter", nil, nil)
	h, dir := newTestHost(t, Config{}, map[string]*fakeExecutor{"greeter.js": fake})
	require.NoError(t, h.LoadFile(context.Background(), writeModule(t, dir, "greeter.js", benignSource)))

	h.Shutdown()
	assert.Equal(t, 1, fake.shutdowns)
	assert.Empty(t, h.Plugins())
}
