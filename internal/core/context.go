package core

import (
	"slices"
	"time"
)

// Actor is the authenticated caller on whose behalf eligibility is checked.
// An empty Scope means no employer restriction.
type Actor struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	Scope      string `json:"scope,omitempty"`
	Privileged bool   `json:"privileged"`
}

// Restricted reports whether the actor is limited to members of its Scope
// employer.
func (a Actor) Restricted() bool {
	return !a.Privileged && a.Scope != ""
}

// CanSee reports whether the actor may read data about a member of
// employerID.
func (a Actor) CanSee(employerID string) bool {
	return !a.Restricted() || employerID == a.Scope
}

type ClientInfo struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Browser   string `json:"browser,omitempty"`
	OS        string `json:"os,omitempty"`
	Device    string `json:"device,omitempty"`
}

// EvaluationContext holds every input a rule may look at. It is built once per
// evaluation and must not be modified afterwards; rules only read from it.
type EvaluationContext struct {
	RequestID string
	Timestamp time.Time

	MemberID    string
	ProviderID  string
	ServiceCode string
	ServiceDate time.Time

	Member        *Member
	Policy        *Policy
	Employer      *Employer
	Provider      *Provider
	Service       *MedicalService
	CoverageRules []CoverageRule
	Usage         Usage

	Actor  Actor
	Client ClientInfo
}

// ContextInput carries the resolved facts used to build an EvaluationContext.
type ContextInput struct {
	RequestID     string
	Timestamp     time.Time
	MemberID      string
	ProviderID    string
	ServiceCode   string
	ServiceDate   time.Time
	Member        *Member
	Policy        *Policy
	Employer      *Employer
	Provider      *Provider
	Service       *MedicalService
	CoverageRules []CoverageRule
	Usage         Usage
	Actor         Actor
	Client        ClientInfo
}

// NewEvaluationContext copies in so later changes to the caller's values do
// not leak into an evaluation in progress.
func NewEvaluationContext(in ContextInput) *EvaluationContext {
	ec := &EvaluationContext{
		RequestID:     in.RequestID,
		Timestamp:     in.Timestamp,
		MemberID:      in.MemberID,
		ProviderID:    in.ProviderID,
		ServiceCode:   in.ServiceCode,
		ServiceDate:   dateOnly(in.ServiceDate),
		CoverageRules: slices.Clone(in.CoverageRules),
		Usage:         in.Usage,
		Actor:         in.Actor,
		Client:        in.Client,
	}
	if in.Member != nil {
		m := *in.Member
		ec.Member = &m
		if ec.MemberID == "" {
			ec.MemberID = m.ID
		}
	}
	if in.Policy != nil {
		p := *in.Policy
		ec.Policy = &p
	}
	if in.Employer != nil {
		e := *in.Employer
		ec.Employer = &e
	}
	if in.Provider != nil {
		p := *in.Provider
		ec.Provider = &p
		if ec.ProviderID == "" {
			ec.ProviderID = p.ID
		}
	}
	if in.Service != nil {
		s := *in.Service
		ec.Service = &s
		if ec.ServiceCode == "" {
			ec.ServiceCode = s.Code
		}
	}
	return ec
}

// Coverage resolves the coverage term for the requested service, if any.
func (ec *EvaluationContext) Coverage() (CoverageTerm, bool) {
	if ec.Service == nil {
		return CoverageTerm{}, false
	}
	return ResolveCoverage(ec.CoverageRules, *ec.Service)
}

func (ec *EvaluationContext) evaluationDay() time.Time {
	return dateOnly(ec.Timestamp)
}
