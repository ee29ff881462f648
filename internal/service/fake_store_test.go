package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/covercheck/internal/core"
	"github.com/matt-riley/covercheck/internal/repository"
)

type fakeStore struct {
	mu sync.Mutex

	members   map[string]core.Member
	policies  map[string]core.Policy
	rules     map[string][]core.CoverageRule
	providers map[string]core.Provider
	employers map[string]core.Employer
	services  map[string]core.MedicalService
	usage     core.Usage

	audit        []repository.AuditRecord
	auditCtxErrs []error
	usageQueries []repository.UsageQuery

	memberHook  func(ctx context.Context) error
	providerErr   error
	providerPanic bool
	usageErr    error
	insertErr   error
	insertPanic bool
}

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T {
	return &v
}

var fixedNow = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

// newFakeStore holds one member who passes every default rule for a
// consultation at an in-network provider on 2026-03-15.
func newFakeStore() *fakeStore {
	return &fakeStore{
		members: map[string]core.Member{
			"m-1": {
				ID:             "m-1",
				MemberNumber:   "MBR-0001",
				FullName:       "Ada Member",
				Status:         core.MemberActive,
				CardStatus:     core.CardActive,
				PolicyID:       "p-1",
				EmployerID:     "e-1",
				EnrollmentDate: ptr(day("2025-01-01")),
			},
		},
		policies: map[string]core.Policy{
			"p-1": {
				ID:           "p-1",
				PolicyNumber: "POL-1",
				Name:         "Gold",
				Status:       core.PolicyActive,
				StartDate:    day("2026-01-01"),
				EndDate:      ptr(day("2026-12-31")),
				EmployerID:   "e-1",
			},
		},
		rules: map[string][]core.CoverageRule{
			"p-1": {{ID: 1, PolicyID: "p-1", CategoryID: "c-out", CoveragePercent: 80}},
		},
		providers: map[string]core.Provider{
			"pr-1": {ID: "pr-1", Name: "City Clinic", Status: core.ProviderActive, InNetwork: true},
		},
		employers: map[string]core.Employer{
			"e-1": {ID: "e-1", Name: "Acme", Status: core.EmployerActive, ContractStatus: core.ContractActive},
		},
		services: map[string]core.MedicalService{
			"CONS": {ID: "s-cons", Code: "CONS", Name: "Consultation", CategoryID: "c-out", CategoryName: "Outpatient"},
			"XRAY": {ID: "s-xray", Code: "XRAY", Name: "X-Ray", CategoryID: "c-img", CategoryName: "Imaging"},
		},
	}
}

func (f *fakeStore) GetMember(ctx context.Context, id string) (core.Member, error) {
	if f.memberHook != nil {
		if err := f.memberHook(ctx); err != nil {
			return core.Member{}, fmt.Errorf("get member: %w", err)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[id]
	if !ok {
		return core.Member{}, fmt.Errorf("get member: %w", pgx.ErrNoRows)
	}
	return m, nil
}

func (f *fakeStore) GetPolicy(_ context.Context, id string) (core.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[id]
	if !ok {
		return core.Policy{}, fmt.Errorf("get policy: %w", pgx.ErrNoRows)
	}
	return p, nil
}

func (f *fakeStore) ListCoverageRules(_ context.Context, policyID string) ([]core.CoverageRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.rules[policyID]), nil
}

func (f *fakeStore) GetProvider(_ context.Context, id string) (core.Provider, error) {
	if f.providerPanic {
		panic("provider row scan")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.providerErr != nil {
		return core.Provider{}, fmt.Errorf("get provider: %w", f.providerErr)
	}
	p, ok := f.providers[id]
	if !ok {
		return core.Provider{}, fmt.Errorf("get provider: %w", pgx.ErrNoRows)
	}
	return p, nil
}

func (f *fakeStore) GetEmployer(_ context.Context, id string) (core.Employer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.employers[id]
	if !ok {
		return core.Employer{}, fmt.Errorf("get employer: %w", pgx.ErrNoRows)
	}
	return e, nil
}

func (f *fakeStore) GetMedicalServiceByCode(_ context.Context, code string) (core.MedicalService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.services[code]
	if !ok {
		return core.MedicalService{}, fmt.Errorf("get medical service: %w", pgx.ErrNoRows)
	}
	return s, nil
}

func (f *fakeStore) GetUsage(_ context.Context, q repository.UsageQuery) (core.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageQueries = append(f.usageQueries, q)
	if f.usageErr != nil {
		return core.Usage{}, f.usageErr
	}
	return f.usage, nil
}

func (f *fakeStore) InsertAuditRecord(ctx context.Context, rec repository.AuditRecord) error {
	if f.insertPanic {
		panic("audit sink exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditCtxErrs = append(f.auditCtxErrs, ctx.Err())
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, existing := range f.audit {
		if existing.RequestID == rec.RequestID {
			return fmt.Errorf("insert audit record: %w", repository.ErrDuplicateRequestID)
		}
	}
	f.audit = append(f.audit, rec)
	return nil
}

func (f *fakeStore) GetAuditRecord(_ context.Context, requestID string) (repository.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.audit {
		if rec.RequestID == requestID {
			return rec, nil
		}
	}
	return repository.AuditRecord{}, fmt.Errorf("get audit record: %w", pgx.ErrNoRows)
}

func (f *fakeStore) ListAuditRecordsByMember(_ context.Context, memberID string, limit int) ([]repository.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]repository.AuditRecord, 0)
	for i := len(f.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if f.audit[i].MemberID == memberID {
			out = append(out, f.audit[i])
		}
	}
	return out, nil
}

func (f *fakeStore) auditRecords() []repository.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.audit)
}

type recordingObserver struct {
	mu            sync.Mutex
	decisions     []core.Decision
	auditFailures int
}

func (o *recordingObserver) ObserveDecision(d core.Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append(o.decisions, d)
}

func (o *recordingObserver) IncAuditWriteFailures() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.auditFailures++
}

var errStoreDown = errors.New("connection refused")
