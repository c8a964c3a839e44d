// Package function loads function definitions from the control plane and
// runs them through the sandbox.
package function

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/splax/localvercel/executor/internal/sandbox"
	"github.com/splax/localvercel/pkg/controlplane"
	"github.com/splax/localvercel/pkg/ttlcache"
)

const (
	LanguageJavaScript = "javascript"
	LanguageTypeScript = "typescript"

	recordTimeout = 5 * time.Second
)

var (
	// ErrNotFound indicates the function does not exist.
	ErrNotFound = errors.New("function not found")
	// ErrDisabled indicates the function exists but is switched off.
	ErrDisabled = errors.New("function disabled")
	// ErrInvalidEvent indicates the event payload is not JSON.
	ErrInvalidEvent = errors.New("invalid event payload")
	// ErrUnavailable indicates the control plane could not be reached.
	ErrUnavailable = errors.New("control plane unavailable")
)

// ControlPlane exposes the function endpoints of the API.
type ControlPlane interface {
	Function(ctx context.Context, projectID, name string) (controlplane.Function, error)
	FunctionCode(ctx context.Context, projectID, name string) (controlplane.FunctionCode, error)
	SetFunctionActive(ctx context.Context, projectID, name string, active bool) (controlplane.Function, error)
	RecordInvocation(ctx context.Context, projectID, name string) error
}

// Executor runs one invocation.
type Executor interface {
	Execute(ctx context.Context, inv sandbox.Invocation) sandbox.Result
}

type cacheKey struct {
	projectID string
	name      string
}

type compiled struct {
	body      string
	updatedAt time.Time
}

// Settings tunes a Service.
type Settings struct {
	DefaultTimeout time.Duration
	CodeCacheTTL   time.Duration
	MaxConcurrency int
}

// Service implements invoke, describe and toggle.
type Service struct {
	control        ControlPlane
	engine         Executor
	logger         *slog.Logger
	cache          *ttlcache.Cache[cacheKey, compiled]
	slots          *semaphore.Weighted
	defaultTimeout time.Duration
	now            func() time.Time
	newID          func() string
	pending        sync.WaitGroup
}

// New constructs a Service.
func New(control ControlPlane, engine Executor, logger *slog.Logger, settings Settings) *Service {
	if settings.CodeCacheTTL <= 0 {
		settings.CodeCacheTTL = 10 * time.Minute
	}
	if settings.DefaultTimeout <= 0 {
		settings.DefaultTimeout = sandbox.DefaultTimeout
	}
	if settings.MaxConcurrency <= 0 {
		settings.MaxConcurrency = 1
	}
	return &Service{
		control:        control,
		engine:         engine,
		logger:         logger,
		cache:          ttlcache.New[cacheKey, compiled](settings.CodeCacheTTL, settings.CodeCacheTTL),
		slots:          semaphore.NewWeighted(int64(settings.MaxConcurrency)),
		defaultTimeout: settings.DefaultTimeout,
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// Close waits for pending invocation records and stops the cache sweep.
func (s *Service) Close() {
	s.pending.Wait()
	s.cache.Close()
}

// Invoke runs the named function with event. Handler failures are reported
// in the result; a non-nil error means the function could not be run.
func (s *Service) Invoke(ctx context.Context, projectID, name string, event json.RawMessage) (sandbox.Result, error) {
	if len(event) == 0 {
		event = json.RawMessage("null")
	}
	if !json.Valid(event) {
		return sandbox.Result{}, ErrInvalidEvent
	}
	def, err := s.Describe(ctx, projectID, name)
	if err != nil {
		return sandbox.Result{}, err
	}
	if !def.IsActive {
		return sandbox.Result{}, ErrDisabled
	}

	body, err := s.code(ctx, def)
	if err != nil {
		var compileErr *CompileError
		if errors.As(err, &compileErr) {
			return sandbox.Result{Success: false, ErrorMessage: compileErr.Error(), Logs: []sandbox.LogEntry{}}, nil
		}
		return sandbox.Result{}, err
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return sandbox.Result{}, err
	}
	invocationID := s.newID()
	timeout := s.defaultTimeout
	if def.TimeoutMs > 0 {
		timeout = time.Duration(def.TimeoutMs) * time.Millisecond
	}
	result := s.engine.Execute(ctx, sandbox.Invocation{
		Code:  body,
		Event: event,
		Context: sandbox.Context{
			FunctionName: name,
			ProjectID:    projectID,
			InvocationID: invocationID,
			Timestamp:    s.now().UTC(),
		},
		Timeout: timeout,
	})
	s.slots.Release(1)

	level := slog.LevelInfo
	if !result.Success {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "function invoked",
		"project_id", projectID,
		"function", name,
		"invocation_id", invocationID,
		"success", result.Success,
		"duration_ms", result.Duration.Milliseconds(),
	)
	s.record(ctx, projectID, name)
	return result, nil
}

// Describe returns the function definition.
func (s *Service) Describe(ctx context.Context, projectID, name string) (controlplane.Function, error) {
	def, err := s.control.Function(ctx, projectID, name)
	if err != nil {
		return controlplane.Function{}, mapError(err)
	}
	return def, nil
}

// SetActive enables or disables a function and evicts its cached code.
func (s *Service) SetActive(ctx context.Context, projectID, name string, active bool) (controlplane.Function, error) {
	def, err := s.control.SetFunctionActive(ctx, projectID, name, active)
	if err != nil {
		return controlplane.Function{}, mapError(err)
	}
	s.cache.Delete(cacheKey{projectID: projectID, name: name})
	s.logger.Info("function toggled", "project_id", projectID, "function", name, "active", active)
	return def, nil
}

// code returns the executable body for def, refreshing the cache when the
// definition changed after the entry was stored.
func (s *Service) code(ctx context.Context, def controlplane.Function) (string, error) {
	key := cacheKey{projectID: def.ProjectID, name: def.Name}
	if entry, ok := s.cache.Get(key); ok && !def.UpdatedAt.After(entry.updatedAt) {
		return entry.body, nil
	}
	src, err := s.control.FunctionCode(ctx, def.ProjectID, def.Name)
	if err != nil {
		return "", mapError(err)
	}
	language := src.Language
	if language == "" {
		language = def.Language
	}
	body, err := Compile(language, src.Code)
	if err != nil {
		return "", err
	}
	s.cache.Set(key, compiled{body: body, updatedAt: def.UpdatedAt})
	return body, nil
}

func (s *Service) record(ctx context.Context, projectID, name string) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := s.control.RecordInvocation(recordCtx, projectID, name); err != nil {
			s.logger.Warn("record invocation failed", "project_id", projectID, "function", name, "error", err)
		}
	}()
}

func mapError(err error) error {
	switch {
	case errors.Is(err, controlplane.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, controlplane.ErrInvalidArgument):
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// CompileError reports source that cannot be turned into a handler.
type CompileError struct {
	Message string
}

func (e *CompileError) Error() string { return e.Message }

const tsHandlerName = "__peep_handler"

// Compile returns a handler body for the sandbox. JavaScript passes through;
// TypeScript is wrapped in a typed function, lowered with esbuild and called.
func Compile(language, code string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", LanguageJavaScript:
		return code, nil
	case LanguageTypeScript:
		src := "function " + tsHandlerName + "(event: any, context: any) {\n" + code + "\n}\n"
		result := api.Transform(src, api.TransformOptions{
			Loader:      api.LoaderTS,
			Target:      api.ES2020,
			TreeShaking: api.TreeShakingFalse,
		})
		if len(result.Errors) > 0 {
			msg := result.Errors[0]
			if msg.Location != nil {
				return "", &CompileError{Message: fmt.Sprintf("SyntaxError: %s (line %d)", msg.Text, msg.Location.Line-1)}
			}
			return "", &CompileError{Message: "SyntaxError: " + msg.Text}
		}
		return string(result.Code) + "return " + tsHandlerName + "(event, context);\n", nil
	default:
		return "", &CompileError{Message: fmt.Sprintf("unsupported language %q", language)}
	}
}
