package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports"
	"consenthub/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RegistryDefaults are applied to registration fields left unspecified.
type RegistryDefaults struct {
	RetryAttempts int
	Timeout       time.Duration
}

type registryService struct {
	subRepo      ports.SubscriptionRepository
	deliveryRepo ports.DeliveryLogRepository
	transactor   ports.DBTransactor
	defaults     RegistryDefaults
	log          zerolog.Logger
}

// NewRegistryService creates the subscription registry.
func NewRegistryService(
	subRepo ports.SubscriptionRepository,
	deliveryRepo ports.DeliveryLogRepository,
	transactor ports.DBTransactor,
	defaults RegistryDefaults,
	log zerolog.Logger,
) ports.RegistryService {
	if defaults.RetryAttempts <= 0 {
		defaults.RetryAttempts = 3
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = 30 * time.Second
	}
	return &registryService{
		subRepo:      subRepo,
		deliveryRepo: deliveryRepo,
		transactor:   transactor,
		defaults:     defaults,
		log:          log,
	}
}

func (s *registryService) Register(ctx context.Context, in ports.RegisterSubscriptionInput) (*domain.Subscription, error) {
	if in.Name == "" {
		return nil, apperror.Validation("name is required")
	}
	if err := validateTargetURL(in.URL); err != nil {
		return nil, err
	}
	if len(in.Events) == 0 {
		return nil, apperror.ErrEmptyEventSet()
	}

	method := http.MethodPost
	if in.Method != "" {
		m, err := normalizeMethod(in.Method)
		if err != nil {
			return nil, err
		}
		method = m
	}

	auth := domain.SubscriptionAuth{Kind: domain.AuthNone}
	if in.Auth != nil {
		a, err := normalizeAuth(*in.Auth)
		if err != nil {
			return nil, err
		}
		auth = a
	}

	active := true
	if in.Active != nil {
		active = *in.Active
	}
	retries := s.defaults.RetryAttempts
	if in.RetryAttempts != nil {
		if *in.RetryAttempts < 1 {
			return nil, apperror.Validation("retry_attempts must be at least 1")
		}
		retries = *in.RetryAttempts
	}
	timeout := s.defaults.Timeout
	if in.Timeout != nil {
		if *in.Timeout <= 0 {
			return nil, apperror.Validation("timeout must be positive")
		}
		timeout = *in.Timeout
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, apperror.InternalError(err)
	}

	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID:            uuid.New(),
		Name:          in.Name,
		URL:           in.URL,
		Method:        method,
		Events:        in.Events,
		Active:        active,
		Headers:       in.Headers,
		Auth:          auth,
		Secret:        secret,
		RetryAttempts: retries,
		Timeout:       timeout,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.subRepo.Create(ctx, sub); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	s.log.Info().
		Str("subscription_id", sub.ID.String()).
		Str("name", sub.Name).
		Strs("events", sub.Events).
		Msg("webhook subscription registered")

	return sub, nil
}

func (s *registryService) Update(ctx context.Context, id uuid.UUID, in ports.UpdateSubscriptionInput) (*domain.Subscription, error) {
	sub, err := s.getExisting(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.URL != nil {
		if err := validateTargetURL(*in.URL); err != nil {
			return nil, err
		}
		sub.URL = *in.URL
	}
	if in.Events != nil {
		if len(in.Events) == 0 {
			return nil, apperror.ErrEmptyEventSet()
		}
		sub.Events = in.Events
	}
	if in.Name != nil {
		if *in.Name == "" {
			return nil, apperror.Validation("name cannot be empty")
		}
		sub.Name = *in.Name
	}
	if in.Method != nil {
		m, err := normalizeMethod(*in.Method)
		if err != nil {
			return nil, err
		}
		sub.Method = m
	}
	if in.Active != nil {
		sub.Active = *in.Active
	}
	if in.Headers != nil {
		sub.Headers = in.Headers
	}
	if in.Auth != nil {
		a, err := normalizeAuth(*in.Auth)
		if err != nil {
			return nil, err
		}
		sub.Auth = a
	}
	if in.RetryAttempts != nil {
		if *in.RetryAttempts < 1 {
			return nil, apperror.Validation("retry_attempts must be at least 1")
		}
		sub.RetryAttempts = *in.RetryAttempts
	}
	if in.Timeout != nil {
		if *in.Timeout <= 0 {
			return nil, apperror.Validation("timeout must be positive")
		}
		sub.Timeout = *in.Timeout
	}

	sub.UpdatedAt = time.Now().UTC()
	if err := s.subRepo.Update(ctx, sub); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	return sub, nil
}

func (s *registryService) SetActive(ctx context.Context, id uuid.UUID, active bool) (*domain.Subscription, error) {
	sub, err := s.getExisting(ctx, id)
	if err != nil {
		return nil, err
	}

	sub.Active = active
	sub.UpdatedAt = time.Now().UTC()
	if err := s.subRepo.Update(ctx, sub); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	s.log.Info().
		Str("subscription_id", id.String()).
		Bool("active", active).
		Msg("webhook subscription active flag changed")
	return sub, nil
}

// Delete hard-deletes the subscription and its delivery history in one
// transaction, so a dispatch racing the delete cannot leave an orphaned log.
func (s *registryService) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.getExisting(ctx, id); err != nil {
		return err
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	removed, err := s.deliveryRepo.DeleteBySubscription(ctx, dbTx, id)
	if err != nil {
		return apperror.ErrDatabaseError(err)
	}
	if err := s.subRepo.Delete(ctx, dbTx, id); err != nil {
		return apperror.ErrDatabaseError(err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("subscription_id", id.String()).
		Int64("logs_removed", removed).
		Msg("webhook subscription deleted")
	return nil
}

func (s *registryService) Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return s.getExisting(ctx, id)
}

func (s *registryService) List(ctx context.Context, params ports.SubscriptionListParams) ([]domain.Subscription, int64, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}
	subs, total, err := s.subRepo.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(err)
	}
	return subs, total, nil
}

func (s *registryService) FindActiveByEvent(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	subs, err := s.subRepo.FindActiveByEvent(ctx, eventType)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	return subs, nil
}

func (s *registryService) getExisting(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.subRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if sub == nil {
		return nil, apperror.ErrNotFound("subscription")
	}
	return sub, nil
}

// validateTargetURL accepts only absolute http(s) URLs with a host.
func validateTargetURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return apperror.ErrInvalidTargetURL()
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperror.ErrInvalidTargetURL()
	}
	return nil
}

func normalizeMethod(method string) (string, error) {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return method, nil
	}
	return "", apperror.ErrInvalidMethod(method)
}

func normalizeAuth(a domain.SubscriptionAuth) (domain.SubscriptionAuth, error) {
	if !a.Kind.Valid() {
		return domain.SubscriptionAuth{}, apperror.ErrUnknownAuthKind(string(a.Kind))
	}
	if a.Kind != domain.AuthNone && a.Token == "" {
		return domain.SubscriptionAuth{}, apperror.Validation("auth token is required for bearer and api_key auth")
	}
	if a.Kind == domain.AuthAPIKey && a.Header == "" {
		a.Header = "X-API-Key"
	}
	if a.Kind == domain.AuthNone {
		a.Token = ""
		a.Header = ""
	}
	return a, nil
}

// generateSecret produces the per-subscription HMAC signing secret.
func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
