package server

import (
	"context"

	"github.com/flagscope/flagscope/internal/core"
	"github.com/flagscope/flagscope/internal/repository"
	"github.com/flagscope/flagscope/internal/service"
)

type Service interface {
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, tenantID, name string) (repository.Flag, error)
	ListFlags(ctx context.Context, tenantID string) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, tenantID, name string) error
	EvaluateBatch(ctx context.Context, tenantID string, req service.BatchRequest) map[string]core.Result
	WarmTenant(ctx context.Context, tenantID string) error
}

var _ Service = (*service.Service)(nil)
