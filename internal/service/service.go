// Package service runs eligibility checks end to end: it validates requests,
// loads the facts a decision needs, evaluates the rule set and writes one
// audit record per decision.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/covercheck/internal/core"
	"github.com/matt-riley/covercheck/internal/logging"
	"github.com/matt-riley/covercheck/internal/repository"
)

const (
	DefaultEvaluationTimeout = 5 * time.Second
	DefaultAuditTimeout      = 2 * time.Second
	DefaultAuditListLimit    = 50
	MaxAuditListLimit        = 500

	tracerName = "github.com/matt-riley/covercheck/internal/service"
)

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrPolicyNotFound      = errors.New("policy not found")
	ErrServiceNotFound     = errors.New("medical service not found")
	ErrServiceNotCovered   = errors.New("service not covered")
	ErrAuditRecordNotFound = errors.New("audit record not found")
)

// Store is the read and audit surface the service needs. Lookups return a
// wrapped pgx.ErrNoRows when the entity does not exist.
type Store interface {
	GetMember(ctx context.Context, id string) (core.Member, error)
	GetPolicy(ctx context.Context, id string) (core.Policy, error)
	ListCoverageRules(ctx context.Context, policyID string) ([]core.CoverageRule, error)
	GetProvider(ctx context.Context, id string) (core.Provider, error)
	GetEmployer(ctx context.Context, id string) (core.Employer, error)
	GetMedicalServiceByCode(ctx context.Context, code string) (core.MedicalService, error)
	GetUsage(ctx context.Context, q repository.UsageQuery) (core.Usage, error)
	InsertAuditRecord(ctx context.Context, rec repository.AuditRecord) error
	GetAuditRecord(ctx context.Context, requestID string) (repository.AuditRecord, error)
	ListAuditRecordsByMember(ctx context.Context, memberID string, limit int) ([]repository.AuditRecord, error)
}

// DecisionObserver receives every finished decision and every failed audit
// write. *metrics.Metrics implements it.
type DecisionObserver interface {
	ObserveDecision(d core.Decision)
	IncAuditWriteFailures()
}

type noopObserver struct{}

func (noopObserver) ObserveDecision(core.Decision) {}
func (noopObserver) IncAuditWriteFailures()        {}

// CheckRequest is a raw eligibility request. ServiceDate is YYYY-MM-DD.
type CheckRequest struct {
	MemberID    string `json:"member_id"`
	ProviderID  string `json:"provider_id,omitempty"`
	ServiceDate string `json:"service_date"`
	ServiceCode string `json:"service_code,omitempty"`
}

// CoverageResult is the coverage a policy grants for one service.
type CoverageResult struct {
	PolicyID string              `json:"policy_id"`
	Service  core.MedicalService `json:"service"`
	Term     core.CoverageTerm   `json:"term"`
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(observer DecisionObserver) Option {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func WithEvaluationTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.evaluationTimeout = d
		}
	}
}

func WithAuditTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.auditTimeout = d
		}
	}
}

// WithClock overrides the source of evaluation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithRuleSet(rules core.RuleSet) Option {
	return func(s *Service) {
		s.evaluator = core.NewEvaluator(rules)
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

type Service struct {
	store             Store
	evaluator         *core.Evaluator
	logger            *slog.Logger
	observer          DecisionObserver
	tracer            trace.Tracer
	evaluationTimeout time.Duration
	auditTimeout      time.Duration
	now               func() time.Time
	newID             func() string
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}

	s := &Service{
		store:             store,
		evaluator:         core.NewEvaluator(core.DefaultRuleSet(core.RuleSetOptions{})),
		logger:            logging.Discard(),
		observer:          noopObserver{},
		tracer:            otel.Tracer(tracerName),
		evaluationTimeout: DefaultEvaluationTimeout,
		auditTimeout:      DefaultAuditTimeout,
		now:               time.Now,
		newID:             uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Rules describes the active rule set in evaluation order.
func (s *Service) Rules() []core.RuleInfo {
	return s.evaluator.RuleSet().Describe()
}

// CheckEligibility validates req, loads the member's policy, provider,
// employer and service, and evaluates them. It always returns a complete
// decision and always attempts one audit write.
func (s *Service) CheckEligibility(ctx context.Context, req CheckRequest, actor core.Actor, client core.ClientInfo) core.Decision {
	began := time.Now()
	requestID := s.newID()
	at := s.now().UTC()

	ctx, span := s.tracer.Start(ctx, "service.CheckEligibility", trace.WithAttributes(
		attribute.String("covercheck.request_id", requestID),
	))
	defer span.End()

	in := core.ContextInput{
		RequestID:   requestID,
		Timestamp:   at,
		MemberID:    strings.TrimSpace(req.MemberID),
		ProviderID:  strings.TrimSpace(req.ProviderID),
		ServiceCode: strings.TrimSpace(req.ServiceCode),
		Actor:       actor,
		Client:      client,
	}
	rawDate := strings.TrimSpace(req.ServiceDate)

	if field := controlCharField(
		requestField{"member_id", in.MemberID},
		requestField{"provider_id", in.ProviderID},
		requestField{"service_code", in.ServiceCode},
		requestField{"service_date", rawDate},
	); field != "" {
		in.MemberID, in.ProviderID, in.ServiceCode = stripControlChars(in.MemberID), stripControlChars(in.ProviderID), stripControlChars(in.ServiceCode)
		rawDate = stripControlChars(rawDate)
		ec := core.NewEvaluationContext(in)
		d := core.InvalidRequestDecision(requestID, core.ReasonInvalidRequest, field+" contains control characters", at)
		d.Snapshot = core.BuildSnapshot(ec)
		return s.finish(ctx, span, ec, rawDate, d, began)
	}

	if missing := missingFields(in.MemberID, rawDate); missing != "" {
		ec := core.NewEvaluationContext(in)
		d := core.InvalidRequestDecision(requestID, core.ReasonInvalidRequest, "missing "+missing, at)
		d.Snapshot = core.BuildSnapshot(ec)
		return s.finish(ctx, span, ec, rawDate, d, began)
	}

	serviceDate, err := time.Parse(time.DateOnly, rawDate)
	if err != nil {
		ec := core.NewEvaluationContext(in)
		d := core.InvalidRequestDecision(requestID, core.ReasonServiceDateInvalid, fmt.Sprintf("service_date=%q: want YYYY-MM-DD", rawDate), at)
		d.Snapshot = core.BuildSnapshot(ec)
		return s.finish(ctx, span, ec, rawDate, d, began)
	}
	in.ServiceDate = serviceDate

	evalCtx, cancel := context.WithTimeout(ctx, s.evaluationTimeout)
	defer cancel()

	ec, err := s.buildContext(evalCtx, in)
	if err != nil {
		d := core.SystemErrorDecision(requestID, err.Error(), at)
		d.Snapshot = core.BuildSnapshot(ec)
		return s.finish(ctx, span, ec, rawDate, d, began)
	}

	return s.finish(ctx, span, ec, rawDate, s.evaluator.Evaluate(evalCtx, ec), began)
}

// Evaluate runs the rule set against a context another flow has already
// resolved. The context is copied and given a fresh request ID.
func (s *Service) Evaluate(ctx context.Context, ec *core.EvaluationContext) core.Decision {
	began := time.Now()
	requestID := s.newID()

	ctx, span := s.tracer.Start(ctx, "service.Evaluate", trace.WithAttributes(
		attribute.String("covercheck.request_id", requestID),
	))
	defer span.End()

	if ec == nil {
		at := s.now().UTC()
		empty := core.NewEvaluationContext(core.ContextInput{RequestID: requestID, Timestamp: at})
		d := core.InvalidRequestDecision(requestID, core.ReasonInvalidRequest, "missing evaluation context", at)
		return s.finish(ctx, span, empty, "", d, began)
	}

	at := ec.Timestamp
	if at.IsZero() {
		at = s.now().UTC()
	}
	own := core.NewEvaluationContext(core.ContextInput{
		RequestID:     requestID,
		Timestamp:     at,
		MemberID:      ec.MemberID,
		ProviderID:    ec.ProviderID,
		ServiceCode:   ec.ServiceCode,
		ServiceDate:   ec.ServiceDate,
		Member:        ec.Member,
		Policy:        ec.Policy,
		Employer:      ec.Employer,
		Provider:      ec.Provider,
		Service:       ec.Service,
		CoverageRules: ec.CoverageRules,
		Usage:         ec.Usage,
		Actor:         ec.Actor,
		Client:        ec.Client,
	})

	var rawDate string
	if !own.ServiceDate.IsZero() {
		rawDate = own.ServiceDate.Format(time.DateOnly)
	}
	if own.MemberID == "" || own.ServiceDate.IsZero() {
		d := core.InvalidRequestDecision(requestID, core.ReasonInvalidRequest, "missing "+missingFields(own.MemberID, rawDate), own.Timestamp)
		d.Snapshot = core.BuildSnapshot(own)
		return s.finish(ctx, span, own, rawDate, d, began)
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.evaluationTimeout)
	defer cancel()

	return s.finish(ctx, span, own, rawDate, s.evaluator.Evaluate(evalCtx, own), began)
}

// ResolveCoverage returns the coverage term a policy grants for a service
// code. An excluded term is returned as is.
func (s *Service) ResolveCoverage(ctx context.Context, policyID, serviceCode string) (CoverageResult, error) {
	policyID = strings.TrimSpace(policyID)
	serviceCode = strings.TrimSpace(serviceCode)
	if policyID == "" {
		return CoverageResult{}, fmt.Errorf("%w: policy_id is required", ErrInvalidArgument)
	}
	if serviceCode == "" {
		return CoverageResult{}, fmt.Errorf("%w: service_code is required", ErrInvalidArgument)
	}
	if hasControlChars(policyID) || hasControlChars(serviceCode) {
		return CoverageResult{}, fmt.Errorf("%w: control characters in query", ErrInvalidArgument)
	}

	var (
		rules []core.CoverageRule
		svc   core.MedicalService
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(recovered(func() error {
		if _, err := s.store.GetPolicy(gctx, policyID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPolicyNotFound
			}
			return fmt.Errorf("load policy: %w", err)
		}
		var err error
		rules, err = s.store.ListCoverageRules(gctx, policyID)
		if err != nil {
			return fmt.Errorf("load coverage rules: %w", err)
		}
		return nil
	}))
	g.Go(recovered(func() error {
		var err error
		svc, err = s.store.GetMedicalServiceByCode(gctx, serviceCode)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrServiceNotFound
			}
			return fmt.Errorf("load medical service: %w", err)
		}
		return nil
	}))
	if err := g.Wait(); err != nil {
		return CoverageResult{}, err
	}

	term, ok := core.ResolveCoverage(rules, svc)
	if !ok {
		return CoverageResult{}, ErrServiceNotCovered
	}

	return CoverageResult{PolicyID: policyID, Service: svc, Term: term}, nil
}

// GetAuditRecord returns one audit record. A restricted actor only sees
// records about members of its own employer; others read as not found.
func (s *Service) GetAuditRecord(ctx context.Context, requestID string, actor core.Actor) (repository.AuditRecord, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return repository.AuditRecord{}, fmt.Errorf("%w: request id is required", ErrInvalidArgument)
	}
	if hasControlChars(requestID) {
		return repository.AuditRecord{}, fmt.Errorf("%w: request id contains control characters", ErrInvalidArgument)
	}

	rec, err := s.store.GetAuditRecord(ctx, requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.AuditRecord{}, ErrAuditRecordNotFound
		}
		return repository.AuditRecord{}, fmt.Errorf("get audit record: %w", err)
	}
	if !actor.CanSee(rec.Snapshot.EmployerID) {
		return repository.AuditRecord{}, ErrAuditRecordNotFound
	}
	return rec, nil
}

// ListAuditRecords returns a member's most recent audit records visible to
// actor. A limit outside (0, MaxAuditListLimit] falls back to the default or
// the maximum.
func (s *Service) ListAuditRecords(ctx context.Context, memberID string, limit int, actor core.Actor) ([]repository.AuditRecord, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return nil, fmt.Errorf("%w: member id is required", ErrInvalidArgument)
	}
	if hasControlChars(memberID) {
		return nil, fmt.Errorf("%w: member id contains control characters", ErrInvalidArgument)
	}
	switch {
	case limit <= 0:
		limit = DefaultAuditListLimit
	case limit > MaxAuditListLimit:
		limit = MaxAuditListLimit
	}

	records, err := s.store.ListAuditRecordsByMember(ctx, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records for %s: %w", memberID, err)
	}
	if actor.Restricted() {
		records = slices.DeleteFunc(records, func(rec repository.AuditRecord) bool {
			return !actor.CanSee(rec.Snapshot.EmployerID)
		})
	}
	return records, nil
}

// buildContext always returns a usable context; on error it holds whatever
// was loaded before the failure.
func (s *Service) buildContext(ctx context.Context, in core.ContextInput) (ec *core.EvaluationContext, err error) {
	ctx, span := s.tracer.Start(ctx, "service.buildContext")
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			ec, err = core.NewEvaluationContext(in), fmt.Errorf("panic: %v", p)
		}
	}()

	member, err := s.store.GetMember(ctx, in.MemberID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return core.NewEvaluationContext(in), nil
	case err != nil:
		return core.NewEvaluationContext(in), fmt.Errorf("load member %s: %w", in.MemberID, err)
	}
	in.Member = &member

	var (
		policy   *core.Policy
		rules    []core.CoverageRule
		provider *core.Provider
		employer *core.Employer
		svc      *core.MedicalService
	)
	g, gctx := errgroup.WithContext(ctx)
	if member.PolicyID != "" {
		g.Go(recovered(func() error {
			p, err := s.store.GetPolicy(gctx, member.PolicyID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}
				return fmt.Errorf("load policy %s: %w", member.PolicyID, err)
			}
			rs, err := s.store.ListCoverageRules(gctx, p.ID)
			if err != nil {
				return fmt.Errorf("load coverage rules for %s: %w", p.ID, err)
			}
			policy, rules = &p, rs
			return nil
		}))
	}
	if in.ProviderID != "" {
		g.Go(recovered(func() error {
			p, err := s.store.GetProvider(gctx, in.ProviderID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}
				return fmt.Errorf("load provider %s: %w", in.ProviderID, err)
			}
			provider = &p
			return nil
		}))
	}
	if member.EmployerID != "" {
		g.Go(recovered(func() error {
			e, err := s.store.GetEmployer(gctx, member.EmployerID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}
				return fmt.Errorf("load employer %s: %w", member.EmployerID, err)
			}
			employer = &e
			return nil
		}))
	}
	if in.ServiceCode != "" {
		g.Go(recovered(func() error {
			ms, err := s.store.GetMedicalServiceByCode(gctx, in.ServiceCode)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}
				return fmt.Errorf("load medical service %s: %w", in.ServiceCode, err)
			}
			svc = &ms
			return nil
		}))
	}
	err = g.Wait()
	in.Policy, in.CoverageRules, in.Provider, in.Employer, in.Service = policy, rules, provider, employer, svc
	if err != nil {
		return core.NewEvaluationContext(in), err
	}

	if q, ok := usageQuery(in); ok {
		usage, err := s.store.GetUsage(ctx, q)
		if err != nil {
			return core.NewEvaluationContext(in), fmt.Errorf("load usage: %w", err)
		}
		in.Usage = usage
	}

	return core.NewEvaluationContext(in), nil
}

// recovered turns a panic in fn into an error so a faulty lookup fails one
// decision instead of the process.
func recovered(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return fn()
	}
}

// usageQuery reports whether the resolved coverage term has limits that need
// the member's consumption so far in the policy period.
func usageQuery(in core.ContextInput) (repository.UsageQuery, bool) {
	if in.Policy == nil || in.Service == nil || in.Member == nil {
		return repository.UsageQuery{}, false
	}
	term, ok := core.ResolveCoverage(in.CoverageRules, *in.Service)
	if !ok || term.Excluded || (term.VisitLimit == nil && term.AmountLimit == nil) {
		return repository.UsageQuery{}, false
	}

	q := repository.UsageQuery{
		MemberID: in.Member.ID,
		PolicyID: in.Policy.ID,
		From:     core.DateOnly(in.Policy.StartDate),
		To:       core.DateOnly(in.ServiceDate),
	}
	if term.Origin == core.OriginService {
		q.ServiceID = term.TargetID
	} else {
		q.CategoryID = term.TargetID
	}
	return q, true
}

func (s *Service) finish(ctx context.Context, span trace.Span, ec *core.EvaluationContext, rawDate string, d core.Decision, began time.Time) core.Decision {
	d.Elapsed = time.Since(began)

	span.SetAttributes(
		attribute.String("covercheck.status", string(d.Status)),
		attribute.String("covercheck.code", string(d.Code)),
		attribute.Int("covercheck.rules_evaluated", d.RulesEvaluated),
	)
	if d.Code == core.ReasonSystemError {
		span.SetStatus(codes.Error, string(core.ReasonSystemError))
	}

	s.observer.ObserveDecision(d)
	s.logDecision(ctx, d)
	s.recordAuditBestEffort(ctx, auditRecordFor(ec, rawDate, d))
	return d
}

func (s *Service) logDecision(ctx context.Context, d core.Decision) {
	attrs := []any{
		"request_id", d.RequestID,
		"member_id", d.Snapshot.MemberID,
		"status", d.Status,
		"code", d.Code,
		"rules_evaluated", d.RulesEvaluated,
		"elapsed", d.Elapsed,
	}
	switch {
	case d.Code == core.ReasonSystemError:
		details := ""
		if n := len(d.Reasons); n > 0 {
			details = d.Reasons[n-1].Details
		}
		s.logger.ErrorContext(ctx, "eligibility check failed", append(attrs, "details", details)...)
	case !d.Eligible:
		s.logger.InfoContext(ctx, "member not eligible", attrs...)
	default:
		s.logger.DebugContext(ctx, "member eligible", attrs...)
	}
}

func (s *Service) recordAuditBestEffort(ctx context.Context, rec repository.AuditRecord) {
	// The decision is final; the audit write must not depend on the caller
	// still waiting for it.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.auditTimeout)
	defer cancel()

	auditCtx, span := s.tracer.Start(auditCtx, "service.recordAudit")
	defer span.End()

	if err := s.recordAudit(auditCtx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit write failed")
		s.observer.IncAuditWriteFailures()
		s.logger.ErrorContext(ctx, "audit write failed", "request_id", rec.RequestID, "error", err)
	}
}

func (s *Service) recordAudit(ctx context.Context, rec repository.AuditRecord) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("audit write panic: %v", p)
		}
	}()
	return s.store.InsertAuditRecord(ctx, rec)
}

func auditRecordFor(ec *core.EvaluationContext, rawDate string, d core.Decision) repository.AuditRecord {
	rec := repository.AuditRecord{
		RequestID:      d.RequestID,
		EvaluatedAt:    d.EvaluatedAt,
		RawServiceDate: rawDate,
		Eligible:       d.Eligible,
		Status:         d.Status,
		Code:           d.Code,
		Reasons:        d.Reasons,
		RulesEvaluated: d.RulesEvaluated,
		Elapsed:        d.Elapsed,
		Snapshot:       d.Snapshot,
	}
	if ec != nil {
		rec.MemberID = ec.MemberID
		rec.ProviderID = ec.ProviderID
		rec.ServiceCode = ec.ServiceCode
		rec.Actor = ec.Actor
		rec.Client = ec.Client
		if !ec.ServiceDate.IsZero() {
			date := ec.ServiceDate
			rec.ServiceDate = &date
		}
	}
	return rec
}

type requestField struct {
	name, value string
}

// controlCharField names the first field holding a control character. The
// audit store cannot hold such values.
func controlCharField(fields ...requestField) string {
	for _, f := range fields {
		if hasControlChars(f.value) {
			return f.name
		}
	}
	return ""
}

func hasControlChars(v string) bool {
	return strings.ContainsFunc(v, unicode.IsControl)
}

func stripControlChars(v string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, v)
}

func missingFields(memberID, serviceDate string) string {
	var missing []string
	if memberID == "" {
		missing = append(missing, "member_id")
	}
	if serviceDate == "" {
		missing = append(missing, "service_date")
	}
	return strings.Join(missing, ", ")
}
