package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/flagscope/flagscope/internal/cache"
	"github.com/flagscope/flagscope/internal/core"
	"github.com/flagscope/flagscope/internal/repository"
)

type fakeRepository struct {
	mu       sync.Mutex
	flags    map[string]repository.Flag
	getCalls int
	failGets bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{flags: make(map[string]repository.Flag)}
}

func repoKey(tenantID, name string) string {
	return tenantID + "/" + name
}

func (r *fakeRepository) CreateFlag(_ context.Context, flag repository.Flag) (repository.Flag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[repoKey(flag.TenantID, flag.Name)] = flag
	return flag, nil
}

func (r *fakeRepository) UpdateFlag(_ context.Context, flag repository.Flag) (repository.Flag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := repoKey(flag.TenantID, flag.Name)
	if _, ok := r.flags[key]; !ok {
		return repository.Flag{}, fmt.Errorf("update flag: %w", pgx.ErrNoRows)
	}
	r.flags[key] = flag
	return flag, nil
}

func (r *fakeRepository) GetFlag(_ context.Context, tenantID, name string) (repository.Flag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	if r.failGets {
		return repository.Flag{}, errors.New("connection refused")
	}
	flag, ok := r.flags[repoKey(tenantID, name)]
	if !ok {
		return repository.Flag{}, fmt.Errorf("get flag: %w", pgx.ErrNoRows)
	}
	return flag, nil
}

func (r *fakeRepository) ListFlags(_ context.Context, tenantID string) ([]repository.Flag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	flags := make([]repository.Flag, 0)
	for _, flag := range r.flags {
		if flag.TenantID == tenantID {
			flags = append(flags, flag)
		}
	}
	return flags, nil
}

func (r *fakeRepository) ListNames(_ context.Context, tenantID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0)
	for _, flag := range r.flags {
		if flag.TenantID == tenantID {
			names = append(names, flag.Name)
		}
	}
	return names, nil
}

func (r *fakeRepository) DeleteFlag(_ context.Context, tenantID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := repoKey(tenantID, name)
	if _, ok := r.flags[key]; !ok {
		return fmt.Errorf("delete flag: %w", pgx.ErrNoRows)
	}
	delete(r.flags, key)
	return nil
}

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	svc, err := New(context.Background(), repo, cache.New(nil))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func TestServiceCRUDAndEvaluation(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	flag := repository.Flag{
		TenantID:    "acme",
		Name:        "search-ranking",
		Description: "ML ranking rollout",
		Enabled:     true,
		Variants:    json.RawMessage(`[{"id":"c","name":"control","value":"baseline"},{"id":"e","name":"enhanced","value":"ml-v3"}]`),
		Rules:       json.RawMessage(`[{"condition":"tenantId == acme AND plan == enterprise","variantId":"e"}]`),
	}
	if _, err := svc.CreateFlag(ctx, flag); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	got, err := svc.GetFlag(ctx, "acme", "search-ranking")
	if err != nil {
		t.Fatalf("GetFlag() error = %v", err)
	}
	if got.Description != "ML ranking rollout" {
		t.Fatalf("GetFlag().Description = %q", got.Description)
	}

	result := svc.Evaluate(ctx, "acme", "search-ranking", core.Context{
		UserID:     "u-1",
		Attributes: map[string]any{"plan": "enterprise"},
	})
	if !result.Enabled || result.Variant != "enhanced" {
		t.Fatalf("Evaluate() = %+v, want enabled enhanced", result)
	}

	result = svc.Evaluate(ctx, "acme", "search-ranking", core.Context{
		Attributes: map[string]any{"plan": "starter"},
	})
	if !result.Enabled || result.Variant != "control" {
		t.Fatalf("Evaluate() = %+v, want default control", result)
	}

	if err := svc.DeleteFlag(ctx, "acme", "search-ranking"); err != nil {
		t.Fatalf("DeleteFlag() error = %v", err)
	}
	if _, err := svc.GetFlag(ctx, "acme", "search-ranking"); !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("GetFlag() after delete error = %v, want ErrFlagNotFound", err)
	}
}

func TestEvaluateMissingFlagIsDisabled(t *testing.T) {
	svc := newTestService(t, newFakeRepository())

	result := svc.Evaluate(context.Background(), "acme", "ghost", core.Context{})
	if result.Enabled {
		t.Fatalf("Evaluate(missing) = %+v, want disabled", result)
	}
}

func TestEvaluateRepositoryDownFailsClosed(t *testing.T) {
	repo := newFakeRepository()
	repo.failGets = true
	svc := newTestService(t, repo)

	result := svc.Evaluate(context.Background(), "acme", "anything", core.Context{})
	if result.Enabled {
		t.Fatalf("Evaluate() with unreachable repository = %+v, want disabled", result)
	}
}

func TestUpdateInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	flag := repository.Flag{
		TenantID: "acme",
		Name:     "checkout-v2",
		Enabled:  true,
	}
	if _, err := svc.CreateFlag(ctx, flag); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	if result := svc.Evaluate(ctx, "acme", "checkout-v2", core.Context{}); !result.Enabled {
		t.Fatalf("Evaluate() before update = %+v, want enabled", result)
	}

	flag.Enabled = false
	if _, err := svc.UpdateFlag(ctx, flag); err != nil {
		t.Fatalf("UpdateFlag() error = %v", err)
	}

	// The update must purge the cached definition; a stale enabled result
	// here would mean the write path skipped invalidation.
	if result := svc.Evaluate(ctx, "acme", "checkout-v2", core.Context{}); result.Enabled {
		t.Fatalf("Evaluate() after disabling update = %+v, want disabled", result)
	}
}

func TestEvaluateBatchContainsFailures(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	if _, err := svc.CreateFlag(ctx, repository.Flag{
		TenantID: "acme",
		Name:     "good",
		Enabled:  true,
	}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}
	if _, err := svc.CreateFlag(ctx, repository.Flag{
		TenantID: "acme",
		Name:     "broken-rule",
		Enabled:  true,
		Variants: json.RawMessage(`[{"id":"c","name":"control"}]`),
		Rules:    json.RawMessage(`[{"condition":"plan ~~ gold","variantId":"c"}]`),
	}); err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	results := svc.EvaluateBatch(ctx, "acme", BatchRequest{
		Flags:  []string{"good", "broken-rule", "missing"},
		UserID: "u-1",
	})

	if len(results) != 3 {
		t.Fatalf("EvaluateBatch() returned %d results, want 3", len(results))
	}
	if !results["good"].Enabled {
		t.Fatalf("good = %+v, want enabled", results["good"])
	}
	// Malformed condition falls through to the default variant.
	if !results["broken-rule"].Enabled || results["broken-rule"].Variant != "control" {
		t.Fatalf("broken-rule = %+v, want enabled control", results["broken-rule"])
	}
	if results["missing"].Enabled {
		t.Fatalf("missing = %+v, want disabled", results["missing"])
	}
}

func TestCreateFlagRejectsInvalidDocuments(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newFakeRepository())

	_, err := svc.CreateFlag(ctx, repository.Flag{
		TenantID: "acme",
		Name:     "bad",
		Rules:    json.RawMessage(`{"not":"a list"}`),
	})
	if !errors.Is(err, ErrInvalidRules) {
		t.Fatalf("CreateFlag() error = %v, want ErrInvalidRules", err)
	}

	_, err = svc.CreateFlag(ctx, repository.Flag{
		TenantID: "acme",
		Name:     "bad",
		Variants: json.RawMessage(`"nope"`),
	})
	if !errors.Is(err, ErrInvalidVariants) {
		t.Fatalf("CreateFlag() error = %v, want ErrInvalidVariants", err)
	}
}

func TestCreateFlagAssignsVariantIDs(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	created, err := svc.CreateFlag(ctx, repository.Flag{
		TenantID: "acme",
		Name:     "banner",
		Enabled:  true,
		Variants: json.RawMessage(`[{"name":"control"}]`),
	})
	if err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	var variants []core.Variant
	if err := json.Unmarshal(created.Variants, &variants); err != nil {
		t.Fatalf("unmarshal variants: %v", err)
	}
	if len(variants) != 1 || variants[0].ID == "" {
		t.Fatalf("variants = %+v, want generated id", variants)
	}
}

func TestWarmTenantPrefetchesDefinitions(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	for _, name := range []string{"one", "two", "three"} {
		if _, err := svc.CreateFlag(ctx, repository.Flag{TenantID: "acme", Name: name, Enabled: true}); err != nil {
			t.Fatalf("CreateFlag(%s) error = %v", name, err)
		}
	}

	if err := svc.WarmTenant(ctx, "acme"); err != nil {
		t.Fatalf("WarmTenant() error = %v", err)
	}

	calls := repo.getCalls
	for _, name := range []string{"one", "two", "three"} {
		if result := svc.Evaluate(ctx, "acme", name, core.Context{}); !result.Enabled {
			t.Fatalf("Evaluate(%s) after warm = %+v", name, result)
		}
	}
	if repo.getCalls != calls {
		t.Fatalf("repository gets after warm = %d, want %d (evaluations should hit the cache)", repo.getCalls, calls)
	}
}
