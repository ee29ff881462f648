package server

import (
	"context"

	"github.com/matt-riley/covercheck/internal/core"
	"github.com/matt-riley/covercheck/internal/repository"
	"github.com/matt-riley/covercheck/internal/service"
)

// Service is the eligibility surface exposed over HTTP and gRPC.
type Service interface {
	CheckEligibility(ctx context.Context, req service.CheckRequest, actor core.Actor, client core.ClientInfo) core.Decision
	ResolveCoverage(ctx context.Context, policyID, serviceCode string) (service.CoverageResult, error)
	GetAuditRecord(ctx context.Context, requestID string, actor core.Actor) (repository.AuditRecord, error)
	ListAuditRecords(ctx context.Context, memberID string, limit int, actor core.Actor) ([]repository.AuditRecord, error)
	Rules() []core.RuleInfo
}

var _ Service = (*service.Service)(nil)

// CoverageResponse is a resolved coverage term plus an optional cost share
// preview for a billed amount in minor units.
type CoverageResponse struct {
	service.CoverageResult
	CostShare *core.CostShare `json:"cost_share,omitempty"`
}

func coverageResponse(result service.CoverageResult, amount *int64) CoverageResponse {
	resp := CoverageResponse{CoverageResult: result}
	if amount != nil {
		share := result.Term.Split(*amount)
		resp.CostShare = &share
	}
	return resp
}
