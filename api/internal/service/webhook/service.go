// Package webhook verifies signed git push events and turns them into deployments.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/splax/localvercel/api/internal/domain"
	"github.com/splax/localvercel/api/internal/repository"
	"github.com/splax/localvercel/api/internal/service/deploy"
	"github.com/splax/localvercel/pkg/crypto"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

const zeroSHA = "0000000000000000000000000000000000000000"

var (
	// ErrInvalidSignature is returned when the signature is missing or wrong.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	// ErrInvalidPayload is returned for bodies that are not push events.
	ErrInvalidPayload = errors.New("webhook: invalid payload")
	// ErrIgnored marks well-formed events that do not produce a deployment.
	ErrIgnored = errors.New("webhook: event ignored")
)

// Triggerer starts deployments.
type Triggerer interface {
	Trigger(ctx context.Context, projectID string, req deploy.TriggerRequest) (*domain.Deployment, error)
}

// PushEvent is the subset of a git push payload the platform reads.
type PushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
}

// Service handles webhook secrets and deliveries.
type Service struct {
	repo    repository.WebhookRepository
	box     *crypto.Box
	trigger Triggerer
	logger  *slog.Logger
}

// New constructs a webhook service.
func New(repo repository.WebhookRepository, box *crypto.Box, trigger Triggerer, logger *slog.Logger) *Service {
	return &Service{repo: repo, box: box, trigger: trigger, logger: logger}
}

// UpsertSecret seals and stores a project's webhook secret.
func (s *Service) UpsertSecret(ctx context.Context, projectID, secret string) error {
	value := strings.TrimSpace(secret)
	if value == "" {
		return errors.New("secret is required")
	}
	sealed, err := s.box.Seal(value)
	if err != nil {
		return fmt.Errorf("seal webhook secret: %w", err)
	}
	return s.repo.UpsertWebhook(ctx, projectID, sealed)
}

// ValidateSignature checks the HMAC of payload. A "sha256=" prefix on
// provided is accepted.
func ValidateSignature(payload, secret []byte, provided string) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// CheckSignature loads the project's secret and verifies payload.
func (s *Service) CheckSignature(ctx context.Context, projectID string, payload []byte, provided string) error {
	sealed, err := s.repo.GetWebhookSecret(ctx, projectID)
	if err != nil {
		return err
	}
	secret, err := s.box.Open(sealed)
	if err != nil {
		return fmt.Errorf("open webhook secret: %w", err)
	}
	return ValidateSignature(payload, []byte(secret), provided)
}

// HandlePush verifies a delivery and triggers a deployment for branch pushes.
func (s *Service) HandlePush(ctx context.Context, projectID string, payload []byte, signature string) (*domain.Deployment, error) {
	if err := s.CheckSignature(ctx, projectID, payload, signature); err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			s.logger.Warn("webhook signature rejected", "project_id", projectID)
		}
		return nil, err
	}

	var event PushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	branch, ok := strings.CutPrefix(event.Ref, "refs/heads/")
	if !ok || branch == "" {
		return nil, fmt.Errorf("%w: ref %q is not a branch", ErrIgnored, event.Ref)
	}
	if event.Deleted || event.After == zeroSHA {
		return nil, fmt.Errorf("%w: branch %s deleted", ErrIgnored, branch)
	}

	s.logger.Info("webhook push received", "project_id", projectID, "branch", branch, "commit", event.After)
	return s.trigger.Trigger(ctx, projectID, deploy.TriggerRequest{CommitSHA: event.After, Branch: branch})
}
