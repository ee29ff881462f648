package core

import (
	"time"
)

type Status string

const (
	StatusEligible    Status = "ELIGIBLE"
	StatusNotEligible Status = "NOT_ELIGIBLE"
	StatusWarning     Status = "WARNING"
)

type ReasonDetail struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
	Details string     `json:"details,omitempty"`
	Hard    bool       `json:"hard"`
	Rule    string     `json:"rule,omitempty"`
}

// Snapshot freezes the human-readable facts a decision was based on.
type Snapshot struct {
	MemberID      string     `json:"member_id,omitempty"`
	MemberNumber  string     `json:"member_number,omitempty"`
	MemberName    string     `json:"member_name,omitempty"`
	MemberStatus  string     `json:"member_status,omitempty"`
	CardStatus    string     `json:"card_status,omitempty"`
	CoverageStart *time.Time `json:"coverage_start,omitempty"`
	CoverageEnd   *time.Time `json:"coverage_end,omitempty"`

	PolicyID     string     `json:"policy_id,omitempty"`
	PolicyNumber string     `json:"policy_number,omitempty"`
	PolicyName   string     `json:"policy_name,omitempty"`
	PolicyStatus string     `json:"policy_status,omitempty"`
	PolicyStart  *time.Time `json:"policy_start,omitempty"`
	PolicyEnd    *time.Time `json:"policy_end,omitempty"`

	EmployerID   string `json:"employer_id,omitempty"`
	EmployerName string `json:"employer_name,omitempty"`

	ProviderID        string `json:"provider_id,omitempty"`
	ProviderName      string `json:"provider_name,omitempty"`
	ProviderStatus    string `json:"provider_status,omitempty"`
	ProviderInNetwork *bool  `json:"provider_in_network,omitempty"`

	ServiceCode     string `json:"service_code,omitempty"`
	ServiceName     string `json:"service_name,omitempty"`
	CategoryName    string `json:"category_name,omitempty"`
	CoveragePercent *int   `json:"coverage_percent,omitempty"`
}

type Decision struct {
	RequestID      string         `json:"request_id"`
	Eligible       bool           `json:"eligible"`
	Status         Status         `json:"status"`
	Code           ReasonCode     `json:"code"`
	Reasons        []ReasonDetail `json:"reasons"`
	EvaluatedAt    time.Time      `json:"evaluated_at"`
	Elapsed        time.Duration  `json:"elapsed_ns"`
	RulesEvaluated int            `json:"rules_evaluated"`
	Snapshot       Snapshot       `json:"snapshot"`
	Coverage       *CoverageTerm  `json:"coverage,omitempty"`
}

// BuildSnapshot copies whatever facts the context has resolved. Missing
// entities leave their fields empty.
func BuildSnapshot(ec *EvaluationContext) Snapshot {
	if ec == nil {
		return Snapshot{}
	}
	s := Snapshot{
		MemberID:    ec.MemberID,
		ProviderID:  ec.ProviderID,
		ServiceCode: ec.ServiceCode,
	}
	if m := ec.Member; m != nil {
		s.MemberNumber = m.MemberNumber
		s.MemberName = m.FullName
		s.MemberStatus = string(m.Status)
		s.CardStatus = string(m.CardStatus)
		s.CoverageStart = copyTime(m.CoverageStart)
		s.CoverageEnd = copyTime(m.CoverageEnd)
		s.EmployerID = m.EmployerID
	}
	if p := ec.Policy; p != nil {
		s.PolicyID = p.ID
		s.PolicyNumber = p.PolicyNumber
		s.PolicyName = p.Name
		s.PolicyStatus = string(p.Status)
		s.PolicyStart = copyTime(&p.StartDate)
		s.PolicyEnd = copyTime(p.EndDate)
	} else if ec.Member != nil {
		s.PolicyID = ec.Member.PolicyID
	}
	if e := ec.Employer; e != nil {
		s.EmployerID = e.ID
		s.EmployerName = e.Name
	}
	if p := ec.Provider; p != nil {
		s.ProviderName = p.Name
		s.ProviderStatus = string(p.Status)
		inNetwork := p.InNetwork
		s.ProviderInNetwork = &inNetwork
	}
	if svc := ec.Service; svc != nil {
		s.ServiceName = svc.Name
		s.CategoryName = svc.CategoryName
	}
	if term, ok := ec.Coverage(); ok {
		pct := term.Percentage
		s.CoveragePercent = &pct
	}
	return s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// InvalidRequestDecision is returned when a request fails validation before
// any rule runs.
func InvalidRequestDecision(requestID string, code ReasonCode, details string, at time.Time) Decision {
	return haltedDecision(requestID, code, details, "", at)
}

// SystemErrorDecision reports a fault outside rule evaluation, such as a
// failed lookup or a timeout while building the context.
func SystemErrorDecision(requestID, details string, at time.Time) Decision {
	return haltedDecision(requestID, ReasonSystemError, details, "", at)
}

func haltedDecision(requestID string, code ReasonCode, details, rule string, at time.Time) Decision {
	return Decision{
		RequestID:   requestID,
		Eligible:    false,
		Status:      StatusNotEligible,
		Code:        code,
		Reasons:     []ReasonDetail{{Code: code, Message: code.Message(), Details: details, Hard: true, Rule: rule}},
		EvaluatedAt: at,
	}
}

// HasHardReason reports whether any reason is a hard failure.
func (d Decision) HasHardReason() bool {
	for _, r := range d.Reasons {
		if r.Hard {
			return true
		}
	}
	return false
}

// ReasonCodes lists the reason codes in order.
func (d Decision) ReasonCodes() []ReasonCode {
	codes := make([]ReasonCode, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		codes = append(codes, r.Code)
	}
	return codes
}
