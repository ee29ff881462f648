package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matt-riley/covercheck/internal/core"
	"github.com/matt-riley/covercheck/internal/repository"
	"github.com/matt-riley/covercheck/internal/service"
)

type checkCall struct {
	req    service.CheckRequest
	actor  core.Actor
	client core.ClientInfo
}

type fakeService struct {
	mu         sync.Mutex
	checkCalls []checkCall

	checkFunc    func(ctx context.Context, req service.CheckRequest) core.Decision
	coverageFunc func(ctx context.Context, policyID, serviceCode string) (service.CoverageResult, error)
	getAuditFunc func(ctx context.Context, requestID string, actor core.Actor) (repository.AuditRecord, error)
	listFunc     func(ctx context.Context, memberID string, limit int, actor core.Actor) ([]repository.AuditRecord, error)
	rules        []core.RuleInfo
}

func (f *fakeService) CheckEligibility(ctx context.Context, req service.CheckRequest, actor core.Actor, client core.ClientInfo) core.Decision {
	f.mu.Lock()
	f.checkCalls = append(f.checkCalls, checkCall{req: req, actor: actor, client: client})
	f.mu.Unlock()
	if f.checkFunc != nil {
		return f.checkFunc(ctx, req)
	}
	return eligibleDecision(req.MemberID)
}

func (f *fakeService) ResolveCoverage(ctx context.Context, policyID, serviceCode string) (service.CoverageResult, error) {
	if f.coverageFunc != nil {
		return f.coverageFunc(ctx, policyID, serviceCode)
	}
	return service.CoverageResult{}, errors.New("ResolveCoverage not implemented")
}

func (f *fakeService) GetAuditRecord(ctx context.Context, requestID string, actor core.Actor) (repository.AuditRecord, error) {
	if f.getAuditFunc != nil {
		return f.getAuditFunc(ctx, requestID, actor)
	}
	return repository.AuditRecord{}, errors.New("GetAuditRecord not implemented")
}

func (f *fakeService) ListAuditRecords(ctx context.Context, memberID string, limit int, actor core.Actor) ([]repository.AuditRecord, error) {
	if f.listFunc != nil {
		return f.listFunc(ctx, memberID, limit, actor)
	}
	return nil, errors.New("ListAuditRecords not implemented")
}

func (f *fakeService) Rules() []core.RuleInfo {
	return f.rules
}

func (f *fakeService) lastCheck() checkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.checkCalls) == 0 {
		return checkCall{}
	}
	return f.checkCalls[len(f.checkCalls)-1]
}

var evaluatedAt = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

func eligibleDecision(memberID string) core.Decision {
	return core.Decision{
		RequestID:      "req-1",
		Eligible:       true,
		Status:         core.StatusEligible,
		Code:           core.ReasonEligible,
		Reasons:        []core.ReasonDetail{},
		EvaluatedAt:    evaluatedAt,
		RulesEvaluated: 12,
		Snapshot:       core.Snapshot{MemberID: memberID},
	}
}

func consultationCoverage() service.CoverageResult {
	limit := int64(5000)
	return service.CoverageResult{
		PolicyID: "p-1",
		Service:  core.MedicalService{ID: "s-cons", Code: "CONS", Name: "Consultation", CategoryID: "c-opd"},
		Term: core.CoverageTerm{
			RuleID:      1,
			Percentage:  80,
			AmountLimit: &limit,
			Origin:      core.OriginService,
			TargetID:    "s-cons",
		},
	}
}
