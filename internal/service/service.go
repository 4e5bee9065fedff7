// Package service wires the flag repository, the two-tier cache, and the
// pure evaluation core into the tenant-facing evaluation engine.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flagscope/flagscope/internal/cache"
	"github.com/flagscope/flagscope/internal/core"
	"github.com/flagscope/flagscope/internal/repository"
)

// Evaluation outcome labels, used for metrics.
const (
	OutcomeEnabled  = "enabled"
	OutcomeDisabled = "disabled"
	OutcomeNotFound = "not_found"
)

var (
	ErrFlagNotFound    = errors.New("flag not found")
	ErrInvalidRules    = errors.New("invalid rules")
	ErrInvalidVariants = errors.New("invalid variants")
)

// Repository is the durable store contract the service depends on.
type Repository interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, tenantID, name string) (repository.Flag, error)
	ListFlags(ctx context.Context, tenantID string) ([]repository.Flag, error)
	ListNames(ctx context.Context, tenantID string) ([]string, error)
	DeleteFlag(ctx context.Context, tenantID, name string) error
}

type invalidationSubscriber interface {
	SubscribeInvalidations(ctx context.Context) (<-chan repository.Invalidation, error)
}

// BatchRequest is a single batched evaluation call: a set of flag names plus
// the identity and attributes to evaluate them against.
type BatchRequest struct {
	Flags      []string       `json:"flags"`
	UserID     string         `json:"userId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Option configures optional service parameters.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithEvaluationMetric registers a callback invoked per evaluation with the
// outcome label.
func WithEvaluationMetric(fn func(outcome string)) Option {
	return func(s *Service) { s.onEvaluation = fn }
}

// Service is safe for concurrent use.
type Service struct {
	repo         Repository
	cache        *cache.FlagCache
	log          *slog.Logger
	onEvaluation func(outcome string)
}

// New creates the service. If the repository supports invalidation
// notifications, a listener is started that purges both cache tiers whenever
// any instance writes a flag.
func New(ctx context.Context, repo Repository, flagCache *cache.FlagCache, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if flagCache == nil {
		return nil, errors.New("cache is nil")
	}

	svc := &Service{
		repo:  repo,
		cache: flagCache,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if subscriber, ok := repo.(invalidationSubscriber); ok {
		if err := svc.startInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// CreateFlag validates and persists a new flag definition. Variants and rules
// without explicit ids are assigned generated ones so rules can reference
// variants stably across updates.
func (s *Service) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if strings.TrimSpace(flag.Name) == "" {
		return repository.Flag{}, errors.New("flag name is required")
	}

	normalized, err := normalizeDefinition(flag)
	if err != nil {
		return repository.Flag{}, err
	}

	created, err := s.repo.CreateFlag(ctx, normalized)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	s.cache.Invalidate(ctx, created.TenantID, created.Name)

	return created, nil
}

// UpdateFlag validates and persists changes to an existing flag definition.
func (s *Service) UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if strings.TrimSpace(flag.Name) == "" {
		return repository.Flag{}, errors.New("flag name is required")
	}

	normalized, err := normalizeDefinition(flag)
	if err != nil {
		return repository.Flag{}, err
	}

	updated, err := s.repo.UpdateFlag(ctx, normalized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.cache.Invalidate(ctx, flag.TenantID, flag.Name)
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	s.cache.Invalidate(ctx, updated.TenantID, updated.Name)

	return updated, nil
}

// GetFlag returns the stored definition for a tenant's flag.
func (s *Service) GetFlag(ctx context.Context, tenantID, name string) (repository.Flag, error) {
	if strings.TrimSpace(name) == "" {
		return repository.Flag{}, errors.New("flag name is required")
	}

	flag, err := s.repo.GetFlag(ctx, tenantID, name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all stored definitions for a tenant.
func (s *Service) ListFlags(ctx context.Context, tenantID string) ([]repository.Flag, error) {
	flags, err := s.repo.ListFlags(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag definition and purges its cache entries.
func (s *Service) DeleteFlag(ctx context.Context, tenantID, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("flag name is required")
	}

	if err := s.repo.DeleteFlag(ctx, tenantID, name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.cache.Invalidate(ctx, tenantID, name)
			return ErrFlagNotFound
		}
		return fmt.Errorf("delete flag: %w", err)
	}

	s.cache.Invalidate(ctx, tenantID, name)

	return nil
}

// Evaluate resolves a single flag for a tenant. Every failure path (missing
// definition, unreachable repository, undecodable definition) yields a
// disabled result, never an error: flag-gated code paths assume "off" is
// always safe.
func (s *Service) Evaluate(ctx context.Context, tenantID, name string, evalCtx core.Context) core.Result {
	evalCtx.TenantID = tenantID

	flag := s.cache.GetOrLoad(ctx, tenantID, name, s.loader(tenantID, name))
	if flag == nil {
		s.countEvaluation(OutcomeNotFound)
		return core.Result{Enabled: false}
	}

	result := core.EvaluateFlag(*flag, evalCtx)
	if result.Enabled {
		s.countEvaluation(OutcomeEnabled)
	} else {
		s.countEvaluation(OutcomeDisabled)
	}

	return result
}

// EvaluateBatch evaluates a set of flags in one call. Failures are contained
// per flag name; one missing or broken flag never fails the batch.
func (s *Service) EvaluateBatch(ctx context.Context, tenantID string, req BatchRequest) map[string]core.Result {
	evalCtx := core.Context{
		UserID:     req.UserID,
		TenantID:   tenantID,
		Attributes: req.Attributes,
	}

	results := make(map[string]core.Result, len(req.Flags))
	for _, name := range req.Flags {
		results[name] = s.Evaluate(ctx, tenantID, name, evalCtx)
	}

	return results
}

// WarmTenant prefetches every definition a tenant has into both cache tiers.
// Names already present in the shared tier are skipped.
func (s *Service) WarmTenant(ctx context.Context, tenantID string) error {
	cached := make(map[string]struct{})
	for _, flag := range s.cache.ListAll(ctx, tenantID) {
		cached[flag.Name] = struct{}{}
	}

	names, err := s.repo.ListNames(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list flag names: %w", err)
	}

	for _, name := range names {
		if _, ok := cached[name]; ok {
			continue
		}
		s.cache.GetOrLoad(ctx, tenantID, name, s.loader(tenantID, name))
	}

	return nil
}

func (s *Service) loader(tenantID, name string) cache.LoaderFunc {
	return func(ctx context.Context) (*core.Flag, error) {
		stored, err := s.repo.GetFlag(ctx, tenantID, name)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}

		flag, err := decodeDefinition(stored)
		if err != nil {
			return nil, err
		}

		return flag, nil
	}
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber invalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeInvalidations(ctx)
	if err != nil {
		return fmt.Errorf("subscribe invalidations: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case inv, ok := <-invalidations:
				if !ok {
					return
				}
				s.cache.Invalidate(ctx, inv.TenantID, inv.Name)
			}
		}
	}()

	return nil
}

func (s *Service) countEvaluation(outcome string) {
	if s.onEvaluation != nil {
		s.onEvaluation(outcome)
	}
}

// decodeDefinition converts a stored row into the evaluation-time shape.
func decodeDefinition(stored repository.Flag) (*core.Flag, error) {
	variants, err := parseVariantsJSON(stored.Variants)
	if err != nil {
		return nil, err
	}

	rules, err := parseRulesJSON(stored.Rules)
	if err != nil {
		return nil, err
	}

	return &core.Flag{
		Name:        stored.Name,
		Description: stored.Description,
		Enabled:     stored.Enabled,
		Variants:    variants,
		Rules:       rules,
	}, nil
}

// normalizeDefinition validates the JSONB documents and fills in generated
// ids for variants and rules that lack them.
func normalizeDefinition(flag repository.Flag) (repository.Flag, error) {
	variants, err := parseVariantsJSON(flag.Variants)
	if err != nil {
		return repository.Flag{}, err
	}

	rules, err := parseRulesJSON(flag.Rules)
	if err != nil {
		return repository.Flag{}, err
	}

	for i := range variants {
		if variants[i].ID == "" {
			variants[i].ID = uuid.NewString()
		}
	}
	for i := range rules {
		if rules[i].ID == "" {
			rules[i].ID = uuid.NewString()
		}
	}

	encodedVariants, err := json.Marshal(variants)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("%w: %v", ErrInvalidVariants, err)
	}
	encodedRules, err := json.Marshal(rules)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}

	flag.Variants = encodedVariants
	flag.Rules = encodedRules

	return flag, nil
}

func parseVariantsJSON(payload json.RawMessage) ([]core.Variant, error) {
	variants := make([]core.Variant, 0)
	if len(payload) == 0 {
		return variants, nil
	}

	if err := json.Unmarshal(payload, &variants); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVariants, err)
	}

	return variants, nil
}

func parseRulesJSON(payload json.RawMessage) ([]core.Rule, error) {
	rules := make([]core.Rule, 0)
	if len(payload) == 0 {
		return rules, nil
	}

	if err := json.Unmarshal(payload, &rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}

	return rules, nil
}
