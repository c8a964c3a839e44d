// Package sandbox runs untrusted function handlers in a throwaway QuickJS VM.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"modernc.org/quickjs"
)

// DefaultTimeout bounds an invocation that does not set its own timeout.
const DefaultTimeout = 30 * time.Second

// Invocation is a single handler call.
type Invocation struct {
	Code    string
	Event   json.RawMessage
	Context Context
	Timeout time.Duration
}

// Context is exposed to the handler as a frozen object.
type Context struct {
	FunctionName string    `json:"functionName"`
	ProjectID    string    `json:"projectId"`
	InvocationID string    `json:"invocationId"`
	Timestamp    time.Time `json:"timestamp"`
}

// LogEntry is one console call made by the handler.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the outcome of an invocation. Output holds the JSON encoded
// return value when Success is set.
type Result struct {
	Success      bool            `json:"success"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Duration     time.Duration   `json:"-"`
	Logs         []LogEntry      `json:"logs"`
}

// Engine creates one VM per invocation. The zero value is usable.
type Engine struct {
	// MemoryLimitMB caps the VM heap; zero leaves it unbounded.
	MemoryLimitMB int
	// MaxTimeout caps per-invocation timeouts; zero disables the cap.
	MaxTimeout time.Duration

	now func() time.Time
}

// New returns an Engine with the given heap cap and timeout ceiling.
func New(memoryLimitMB int, maxTimeout time.Duration) *Engine {
	return &Engine{MemoryLimitMB: memoryLimitMB, MaxTimeout: maxTimeout}
}

// removedGlobals are host extras QuickJS builds may install. Handlers only
// see language built-ins plus console and context.
var removedGlobals = []string{
	"print", "std", "os", "scriptArgs", "bjson",
	"setTimeout", "clearTimeout", "setInterval", "clearInterval", "setImmediate", "queueMicrotask",
	"fetch", "XMLHttpRequest", "WebSocket", "require", "process", "module", "exports",
	"importScripts", "Worker", "WebAssembly", "Deno", "Bun",
}

const prelude = `(function () {
  var sink = globalThis.__peep_console;
  delete globalThis.__peep_console;
  var format = function (args) {
    return Array.prototype.map.call(args, function (a) {
      if (typeof a === "string") return a;
      try {
        var s = JSON.stringify(a);
        return s === undefined ? String(a) : s;
      } catch (e) {
        return String(a);
      }
    }).join(" ");
  };
  var console = {};
  ["log", "info", "warn", "error", "debug"].forEach(function (level) {
    console[level] = function () { sink(level, format(arguments)); };
  });
  Object.freeze(console);
  try {
    Object.defineProperty(globalThis, "console", { value: console, writable: false, configurable: false });
  } catch (e) {
    globalThis.console = console;
  }
  %s.forEach(function (name) {
    try { delete globalThis[name]; } catch (e) {}
  });
})();`

const invoke = `(function () {
  try {
    var handler = new Function("event", "context", %s);
    var event = JSON.parse(%s);
    var context = Object.freeze(JSON.parse(%s));
    var out = handler.call(undefined, event, context);
    if (out !== null && typeof out === "object" && typeof out.then === "function") {
      throw new TypeError("handler returned a Promise; asynchronous handlers are not supported");
    }
    var encoded = JSON.stringify(out === undefined ? null : out);
    return JSON.stringify({ ok: true, output: encoded === undefined ? "null" : encoded });
  } catch (e) {
    var message = e && e.name && e.message !== undefined ? e.name + ": " + e.message : String(e);
    return JSON.stringify({ ok: false, error: message });
  }
})()`

type envelope struct {
	OK     bool   `json:"ok"`
	Output string `json:"output"`
	Error  string `json:"error"`
}

// Execute runs inv in a fresh VM. Handler failures are reported in the
// result; the VM is always discarded.
func (e *Engine) Execute(ctx context.Context, inv Invocation) Result {
	now := e.now
	if now == nil {
		now = time.Now
	}
	start := now()
	logs := &logSink{now: now}
	result := e.execute(ctx, inv, logs)
	result.Logs = logs.entries()
	result.Duration = now().Sub(start)
	return result
}

func (e *Engine) execute(ctx context.Context, inv Invocation, logs *logSink) Result {
	timeout := e.timeout(inv.Timeout)
	script, err := buildScript(inv)
	if err != nil {
		return failure(err.Error())
	}

	vm, err := quickjs.NewVM()
	if err != nil {
		return failure(fmt.Sprintf("sandbox unavailable: %v", err))
	}
	defer vm.Close()
	if e.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(e.MemoryLimitMB) * 1024 * 1024)
	}
	if err := vm.RegisterFunc("__peep_console", logs.record, false); err != nil {
		return failure(fmt.Sprintf("sandbox setup: %v", err))
	}
	removed, _ := json.Marshal(removedGlobals)
	if err := evalDiscard(vm, fmt.Sprintf(prelude, removed)); err != nil {
		return failure(fmt.Sprintf("sandbox setup: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	interrupted := make(chan struct{})
	stop := context.AfterFunc(runCtx, func() {
		defer close(interrupted)
		vm.Interrupt()
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
	}()

	out, err := eval(vm, script)
	if runCtx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return failure("invocation cancelled")
		}
		return failure(fmt.Sprintf("function timed out after %s", timeout))
	}
	if err != nil {
		return failure(err.Error())
	}

	var env envelope
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		return failure(fmt.Sprintf("malformed handler result: %v", err))
	}
	if !env.OK {
		return failure(env.Error)
	}
	if !json.Valid([]byte(env.Output)) {
		return failure("handler result is not JSON serialisable")
	}
	return Result{Success: true, Output: json.RawMessage(env.Output)}
}

func (e *Engine) timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = DefaultTimeout
	}
	if e.MaxTimeout > 0 && requested > e.MaxTimeout {
		requested = e.MaxTimeout
	}
	return requested
}

func buildScript(inv Invocation) (string, error) {
	event := inv.Event
	if len(event) == 0 {
		event = json.RawMessage("null")
	}
	if !json.Valid(event) {
		return "", errors.New("event is not valid JSON")
	}
	ctxJSON, err := json.Marshal(inv.Context)
	if err != nil {
		return "", fmt.Errorf("encode context: %w", err)
	}
	code, _ := json.Marshal(inv.Code)
	eventLiteral, _ := json.Marshal(string(event))
	ctxLiteral, _ := json.Marshal(string(ctxJSON))
	return fmt.Sprintf(invoke, code, eventLiteral, ctxLiteral), nil
}

// eval runs script and converts interpreter panics into errors.
func eval(vm *quickjs.VM, script string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox panic: %v", r)
		}
	}()
	v, err := vm.Eval(script, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected handler result type %T", v)
	}
	return s, nil
}

func evalDiscard(vm *quickjs.VM, js string) error {
	v, err := vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func failure(message string) Result {
	return Result{Success: false, ErrorMessage: message}
}

type logSink struct {
	now func() time.Time
	mu  sync.Mutex
	buf []LogEntry
}

func (l *logSink) record(level, message string) {
	l.mu.Lock()
	l.buf = append(l.buf, LogEntry{Level: level, Message: message, Timestamp: l.now().UTC()})
	l.mu.Unlock()
}

func (l *logSink) entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.buf))
	copy(out, l.buf)
	return out
}
