// Package function stores project function source for the executor.
package function

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/splax/localvercel/api/internal/domain"
	"github.com/splax/localvercel/api/internal/repository"
)

// Supported source languages.
const (
	LanguageJavaScript = "javascript"
	LanguageTypeScript = "typescript"
)

const (
	maxCodeBytes = 1 << 20
	maxTimeoutMs = 5 * 60 * 1000
)

// ErrInvalidArgument marks rejected registrations.
var ErrInvalidArgument = errors.New("function: invalid argument")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RegisterInput is the source of a function.
type RegisterInput struct {
	Language  string `json:"language"`
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeoutMs"`
}

// Service manages function records.
type Service struct {
	functions repository.FunctionRepository
	projects  repository.ProjectRepository
	logger    *slog.Logger
}

// New returns a function service.
func New(functions repository.FunctionRepository, projects repository.ProjectRepository, logger *slog.Logger) *Service {
	return &Service{functions: functions, projects: projects, logger: logger}
}

// Register stores or replaces a function's source after a syntax check.
// Re-registering keeps the active flag and invocation count.
func (s *Service) Register(ctx context.Context, projectID, name string, input RegisterInput) (*domain.Function, error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: function name must match %s", ErrInvalidArgument, namePattern)
	}
	language := strings.ToLower(strings.TrimSpace(input.Language))
	if language == "" {
		language = LanguageJavaScript
	}
	if language != LanguageJavaScript && language != LanguageTypeScript {
		return nil, fmt.Errorf("%w: unsupported language %q", ErrInvalidArgument, input.Language)
	}
	if strings.TrimSpace(input.Code) == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidArgument)
	}
	if len(input.Code) > maxCodeBytes {
		return nil, fmt.Errorf("%w: code exceeds %d bytes", ErrInvalidArgument, maxCodeBytes)
	}
	if input.TimeoutMs < 0 || input.TimeoutMs > maxTimeoutMs {
		return nil, fmt.Errorf("%w: timeoutMs must be between 0 and %d", ErrInvalidArgument, maxTimeoutMs)
	}
	if err := checkSyntax(language, input.Code); err != nil {
		return nil, err
	}
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}

	fn := &domain.Function{
		ProjectID: projectID,
		Name:      name,
		Language:  language,
		Code:      input.Code,
		TimeoutMs: input.TimeoutMs,
	}
	if err := s.functions.UpsertFunction(ctx, fn); err != nil {
		return nil, err
	}
	s.logger.Info("function registered", "project_id", projectID, "function", name, "language", language)
	return fn, nil
}

// Get returns a function including its source.
func (s *Service) Get(ctx context.Context, projectID, name string) (*domain.Function, error) {
	return s.functions.GetFunction(ctx, projectID, name)
}

// SetActive enables or disables a function.
func (s *Service) SetActive(ctx context.Context, projectID, name string, active bool) (*domain.Function, error) {
	fn, err := s.functions.SetFunctionActive(ctx, projectID, name, active)
	if err != nil {
		return nil, err
	}
	s.logger.Info("function toggled", "project_id", projectID, "function", name, "active", active)
	return fn, nil
}

// RecordInvocation bumps the invocation counter.
func (s *Service) RecordInvocation(ctx context.Context, projectID, name string) error {
	return s.functions.IncrementInvocations(ctx, projectID, name)
}

// checkSyntax parses code as a handler body the way the executor wraps it.
func checkSyntax(language, code string) error {
	loader := api.LoaderJS
	params := "event, context"
	if language == LanguageTypeScript {
		loader = api.LoaderTS
		params = "event: any, context: any"
	}
	result := api.Transform("function handler("+params+") {\n"+code+"\n}\n", api.TransformOptions{
		Loader: loader,
		Target: api.ES2020,
	})
	if len(result.Errors) == 0 {
		return nil
	}
	msg := result.Errors[0]
	if msg.Location != nil {
		return fmt.Errorf("%w: SyntaxError: %s (line %d)", ErrInvalidArgument, msg.Text, msg.Location.Line-1)
	}
	return fmt.Errorf("%w: SyntaxError: %s", ErrInvalidArgument, msg.Text)
}
