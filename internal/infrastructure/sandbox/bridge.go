package sandbox

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/dop251/goja"
)

// hostMethods is the capability surface exposed to interpreted modules.
// Each name here is still subject to the host-side allowlist and
// permission check; the list only shapes the `host` object.
var hostMethods = []string{
	"log",
	"send_chat",
	"get_points",
	"add_points",
	"remove_points",
	"start_poll",
	"vote",
	"get_active_poll",
	"end_poll",
	"get_poll_results",
	"audio_play",
	"audio_tts",
	"audio_stop",
	"audio_clear_queue",
	"audio_queue_size",
	"get_leaderboard",
	"minigames_command",
	"replay_enqueue",
}

// registration captures the single plugin.register call a module makes
// during evaluation.
type registration struct {
	name        string
	version     string
	author      string
	description string
	permissions []string
	commands    map[string]goja.Callable
	events      map[string]goja.Callable
	hooks       map[string]goja.Callable
}

// metadata renders the handshake payload.
func (r *registration) metadata() []byte {
	wire := struct {
		Name        string   `json:"name"`
		Version     string   `json:"version"`
		Author      string   `json:"author,omitempty"`
		Description string   `json:"description,omitempty"`
		Permissions []string `json:"permissions,omitempty"`
		Commands    []string `json:"commands,omitempty"`
		Events      []string `json:"events,omitempty"`
	}{
		Name:        r.name,
		Version:     r.version,
		Author:      r.author,
		Description: r.description,
		Permissions: r.permissions,
		Commands:    sortedKeys(r.commands),
		Events:      sortedKeys(r.events),
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		// Plain strings and slices; cannot fail.
		panic(err)
	}
	return raw
}

// bridge installs the host-facing globals into a runtime and records the
// module's registration.
type bridge struct {
	vm   *goja.Runtime
	caps *capClient
	reg  *registration
}

func (b *bridge) install() error {
	vm := b.vm

	pluginObj := vm.NewObject()
	_ = pluginObj.Set("register", b.register)
	_ = vm.Set("plugin", pluginObj)

	hostObj := vm.NewObject()
	for _, method := range hostMethods {
		_ = hostObj.Set(method, b.forwarder(method))
	}
	_ = vm.Set("host", hostObj)

	consoleObj := vm.NewObject()
	_ = consoleObj.Set("log", b.forwarder("log"))
	_ = consoleObj.Set("error", b.forwarder("log"))
	_ = vm.Set("console", consoleObj)

	_ = vm.Set("use", b.use)

	// Dynamic evaluation has no place inside the sandbox.
	_ = vm.Set("eval", b.denied("eval"))
	_ = vm.Set("Function", b.denied("Function"))

	// Shadowing the global is not enough: the intrinsic constructor stays
	// reachable through any function's constructor chain, for example
	// [].constructor.constructor. Point every such lookup at the stub.
	if _, err := vm.RunString(sealConstructorsScript); err != nil {
		return fmt.Errorf("seal constructor chain: %w", err)
	}
	return nil
}

const sealConstructorsScript = `(function () {
	var seal = function (proto) {
		Object.defineProperty(proto, "constructor", {
			value: Function,
			writable: false,
			configurable: false,
		});
	};
	seal(Object.getPrototypeOf(function () {}));
	seal(Object.getPrototypeOf(function* () {}));
	seal(Object.getPrototypeOf(async function () {}));
})();`

// register validates and records the module's registration object. A
// second call is an error.
func (b *bridge) register(call goja.FunctionCall) goja.Value {
	if b.reg != nil {
		panic(b.vm.NewGoError(fmt.Errorf("plugin.register called twice")))
	}
	if len(call.Arguments) != 1 {
		panic(b.vm.NewGoError(fmt.Errorf("plugin.register expects one object argument")))
	}
	obj := call.Arguments[0].ToObject(b.vm)

	reg := &registration{
		name:        stringField(obj, "name"),
		version:     stringField(obj, "version"),
		author:      stringField(obj, "author"),
		description: stringField(obj, "description"),
		commands:    map[string]goja.Callable{},
		events:      map[string]goja.Callable{},
		hooks:       map[string]goja.Callable{},
	}

	if perms := obj.Get("permissions"); perms != nil && !goja.IsUndefined(perms) && !goja.IsNull(perms) {
		var list []string
		if err := b.vm.ExportTo(perms, &list); err != nil {
			panic(b.vm.NewGoError(fmt.Errorf("permissions must be an array of strings: %w", err)))
		}
		reg.permissions = list
	}

	var err error
	if reg.commands, err = callableMap(b.vm, obj.Get("commands")); err != nil {
		panic(b.vm.NewGoError(fmt.Errorf("commands: %w", err)))
	}
	if reg.events, err = callableMap(b.vm, obj.Get("events")); err != nil {
		panic(b.vm.NewGoError(fmt.Errorf("events: %w", err)))
	}
	if reg.hooks, err = callableMap(b.vm, obj.Get("hooks")); err != nil {
		panic(b.vm.NewGoError(fmt.Errorf("hooks: %w", err)))
	}

	b.reg = reg
	return goja.Undefined()
}

// forwarder builds a native function that relays one capability method
// across the channel. Host errors surface as thrown exceptions.
func (b *bridge) forwarder(method string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		result, err := b.caps.call(method, args)
		if err != nil {
			panic(b.vm.NewGoError(err))
		}
		return b.vm.ToValue(result)
	}
}

func (b *bridge) denied(name string) func(goja.FunctionCall) goja.Value {
	return func(goja.FunctionCall) goja.Value {
		panic(b.vm.NewGoError(fmt.Errorf("%s is disabled inside the sandbox", name)))
	}
}

// use resolves one of the few built-in modules available to plugins.
// Anything else is refused.
func (b *bridge) use(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) != 1 {
		panic(b.vm.NewGoError(fmt.Errorf("use expects a module name")))
	}
	name := call.Arguments[0].String()
	switch name {
	case "time":
		mod := b.vm.NewObject()
		_ = mod.Set("now", func() int64 { return time.Now().UnixMilli() })
		return mod
	case "rand":
		mod := b.vm.NewObject()
		_ = mod.Set("int", func(n int64) int64 {
			if n <= 0 {
				return 0
			}
			return rand.Int63n(n)
		})
		_ = mod.Set("float", rand.Float64)
		return mod
	default:
		panic(b.vm.NewGoError(fmt.Errorf("module %q is not available inside the sandbox", name)))
	}
}

func stringField(obj *goja.Object, key string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// callableMap extracts a name-to-function object into a Go map. A nil or
// undefined value yields an empty map; non-function entries are errors.
func callableMap(vm *goja.Runtime, v goja.Value) (map[string]goja.Callable, error) {
	out := map[string]goja.Callable{}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return out, nil
	}
	obj := v.ToObject(vm)
	for _, key := range obj.Keys() {
		fn, ok := goja.AssertFunction(obj.Get(key))
		if !ok {
			return nil, fmt.Errorf("%q is not a function", key)
		}
		out[key] = fn
	}
	return out, nil
}

// sortedKeys returns map keys in deterministic order for the handshake.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// capClient issues synchronous capability requests. Module code is single
// threaded, so one request is in flight at a time.
type capClient struct {
	codec *codec
	seq   uint64
}

func (c *capClient) call(method string, args []any) (any, error) {
	c.seq++
	req := &envelope{Type: typeCapRequest, ID: c.seq, Method: method, CallArgs: args}
	if err := c.codec.write(req); err != nil {
		return nil, err
	}
	for {
		msg, err := c.codec.read()
		if err != nil {
			return nil, err
		}
		if msg.Type != typeCapResponse || msg.ID != c.seq {
			continue
		}
		if msg.Error != nil {
			return nil, msg.Error.Err()
		}
		return msg.Result, nil
	}
}
