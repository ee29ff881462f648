// Package covercheck provides client interfaces and wire types for the
// covercheck eligibility service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import covercheckhttp "github.com/matt-riley/covercheck/clients/go/http"
//	import covercheckgrpc "github.com/matt-riley/covercheck/clients/go/grpc"
package covercheck

import (
	"context"
	"time"
)

// Checker runs eligibility checks and coverage lookups.
type Checker interface {
	CheckEligibility(ctx context.Context, req CheckRequest) (Decision, error)
	ResolveCoverage(ctx context.Context, policyID, serviceCode string, amount *int64) (Coverage, error)
	GetAuditRecord(ctx context.Context, requestID string) (AuditRecord, error)
}

// CheckRequest asks whether a member may receive a service on a date.
// ServiceDate is YYYY-MM-DD; ProviderID and ServiceCode are optional.
type CheckRequest struct {
	MemberID    string `json:"member_id"`
	ProviderID  string `json:"provider_id,omitempty"`
	ServiceDate string `json:"service_date"`
	ServiceCode string `json:"service_code,omitempty"`
}

// Decision is the outcome of one eligibility check. Status is ELIGIBLE,
// WARNING or NOT_ELIGIBLE.
type Decision struct {
	RequestID      string        `json:"request_id"`
	Eligible       bool          `json:"eligible"`
	Status         string        `json:"status"`
	Code           string        `json:"code"`
	Reasons        []Reason      `json:"reasons"`
	EvaluatedAt    time.Time     `json:"evaluated_at"`
	Elapsed        time.Duration `json:"elapsed_ns"`
	RulesEvaluated int           `json:"rules_evaluated"`
	Coverage       *CoverageTerm `json:"coverage,omitempty"`
}

// Reason is one failed check. Hard reasons make a decision not eligible.
type Reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hard    bool   `json:"hard"`
	Rule    string `json:"rule,omitempty"`
}

// CoverageTerm is the coverage rule that applies to a service. Amounts are
// in minor units.
type CoverageTerm struct {
	RuleID              int64  `json:"rule_id"`
	Percentage          int    `json:"percentage"`
	AmountLimit         *int64 `json:"amount_limit,omitempty"`
	VisitLimit          *int   `json:"visit_limit,omitempty"`
	RequiresPreApproval bool   `json:"requires_pre_approval"`
	WaitingPeriodDays   int    `json:"waiting_period_days"`
	Excluded            bool   `json:"excluded"`
	Origin              string `json:"origin"` // "SERVICE" | "CATEGORY"
	TargetID            string `json:"target_id"`
}

// CostShare splits a billed amount between insurer and patient.
type CostShare struct {
	Billed  int64 `json:"billed"`
	Covered int64 `json:"covered"`
	Patient int64 `json:"patient"`
	Capped  bool  `json:"capped"`
}

// Service is a billable medical service.
type Service struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	Name         string `json:"name"`
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name,omitempty"`
}

// Coverage is the coverage term a policy grants for a service. CostShare is
// set only when an amount was supplied.
type Coverage struct {
	PolicyID  string       `json:"policy_id"`
	Service   Service      `json:"service"`
	Term      CoverageTerm `json:"term"`
	CostShare *CostShare   `json:"cost_share,omitempty"`
}

// AuditRecord is the stored trail of one decision.
type AuditRecord struct {
	RequestID      string    `json:"request_id"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
	MemberID       string    `json:"member_id"`
	ProviderID     string    `json:"provider_id,omitempty"`
	ServiceCode    string    `json:"service_code,omitempty"`
	RawServiceDate string    `json:"raw_service_date,omitempty"`
	Eligible       bool      `json:"eligible"`
	Status         string    `json:"status"`
	Code           string    `json:"code"`
	Reasons        []Reason  `json:"reasons"`
	RulesEvaluated int       `json:"rules_evaluated"`
}

// RuleInfo describes one rule of the server's rule set.
type RuleInfo struct {
	Code     string `json:"code"`
	Label    string `json:"label"`
	Priority int    `json:"priority"`
}
