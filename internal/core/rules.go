package core

import (
	"fmt"
	"time"
)

const dateLayout = time.DateOnly

// DefaultServiceNotCoveredHardness classifies a service without a coverage
// rule. Not covered means not eligible unless configured otherwise.
const DefaultServiceNotCoveredHardness = HardnessHard

type RuleSetOptions struct {
	ServiceNotCoveredHardness Hardness
}

// DefaultRuleSet returns the standard eligibility rules in priority order.
func DefaultRuleSet(opts RuleSetOptions) RuleSet {
	notCovered := opts.ServiceNotCoveredHardness
	if notCovered == HardnessDefault {
		notCovered = DefaultServiceNotCoveredHardness
	}

	return NewRuleSet(
		NewRule("member-status", "Member status", 10, nil, checkMemberStatus),
		NewRule("member-card", "Member card", 20, hasMember, checkMemberCard),
		NewRule("member-scope", "Caller scope", 30, scopeRestricted, checkMemberScope),
		NewRule("employer-status", "Employer status", 40, hasEmployerRef, checkEmployer),
		NewRule("policy-status", "Policy status", 50, hasMember, checkPolicyStatus),
		NewRule("policy-period", "Policy period", 60, hasPolicy, checkPolicyPeriod),
		NewRule("member-enrollment", "Member enrollment", 70, hasMemberAndPolicy, checkEnrollment),
		NewRule("service-date", "Service date", 80, nil, checkServiceDate),
		NewRule("provider-status", "Provider status", 90, providerRequested, checkProviderStatus),
		NewRule("provider-contract", "Provider contract", 100, hasProviderContract, checkProviderContract),
		NewRule("provider-network", "Provider network", 110, hasProvider, checkProviderNetwork),
		NewRule("service-coverage", "Service coverage", 120, serviceRequested, coverageCheck(notCovered)),
		NewRule("waiting-period", "Waiting period", 130, hasWaitingPeriod, checkWaitingPeriod),
		NewRule("coverage-limit", "Coverage limit", 140, hasCoverageLimit, checkCoverageLimit),
		NewRule("pre-approval", "Pre-approval", 150, hasUsableCoverage, checkPreApproval),
	)
}

func hasMember(ec *EvaluationContext) bool   { return ec.Member != nil }
func hasPolicy(ec *EvaluationContext) bool   { return ec.Policy != nil }
func hasProvider(ec *EvaluationContext) bool { return ec.Provider != nil }

func hasMemberAndPolicy(ec *EvaluationContext) bool {
	return ec.Member != nil && ec.Policy != nil
}

func scopeRestricted(ec *EvaluationContext) bool {
	return ec.Member != nil && ec.Actor.Restricted()
}

func hasEmployerRef(ec *EvaluationContext) bool {
	return ec.Member != nil && ec.Member.EmployerID != ""
}

func providerRequested(ec *EvaluationContext) bool {
	return ec.ProviderID != ""
}

func hasProviderContract(ec *EvaluationContext) bool {
	return ec.Provider != nil && ec.Provider.ContractExpiry != nil
}

func serviceRequested(ec *EvaluationContext) bool {
	return ec.ServiceCode != "" && ec.Policy != nil
}

func usableCoverage(ec *EvaluationContext) (CoverageTerm, bool) {
	term, ok := ec.Coverage()
	if !ok || term.Excluded {
		return CoverageTerm{}, false
	}
	return term, true
}

func hasUsableCoverage(ec *EvaluationContext) bool {
	_, ok := usableCoverage(ec)
	return ok
}

func hasWaitingPeriod(ec *EvaluationContext) bool {
	term, ok := usableCoverage(ec)
	return ok && term.WaitingPeriodDays > 0
}

func hasCoverageLimit(ec *EvaluationContext) bool {
	term, ok := usableCoverage(ec)
	return ok && (term.VisitLimit != nil || term.AmountLimit != nil)
}

func checkMemberStatus(ec *EvaluationContext) Outcome {
	if ec.Member == nil {
		return Fail(ReasonMemberNotFound, fmt.Sprintf("member_id=%s", ec.MemberID))
	}
	switch ec.Member.Status {
	case MemberActive:
		return Pass()
	case MemberSuspended:
		return Fail(ReasonMemberSuspended, "")
	case MemberTerminated:
		return Fail(ReasonMemberTerminated, "")
	case MemberInactive:
		return Fail(ReasonMemberInactive, "")
	default:
		return Fail(ReasonMemberInactive, fmt.Sprintf("unrecognised status %q", ec.Member.Status))
	}
}

func checkMemberCard(ec *EvaluationContext) Outcome {
	m := ec.Member
	switch m.CardStatus {
	case CardBlocked:
		return Fail(ReasonCardBlocked, "")
	case CardExpired:
		return Fail(ReasonCardExpired, "")
	}
	if m.CardExpiry != nil && ec.ServiceDate.After(dateOnly(*m.CardExpiry)) {
		return Fail(ReasonCardExpired, "card expired on "+m.CardExpiry.Format(dateLayout))
	}
	return Pass()
}

func checkMemberScope(ec *EvaluationContext) Outcome {
	if !ec.Actor.CanSee(ec.Member.EmployerID) {
		return Fail(ReasonMemberOutOfScope, fmt.Sprintf("scope=%s", ec.Actor.Scope))
	}
	return Pass()
}

func checkEmployer(ec *EvaluationContext) Outcome {
	e := ec.Employer
	if e == nil {
		return Fail(ReasonEmployerNotFound, fmt.Sprintf("employer_id=%s", ec.Member.EmployerID))
	}
	if e.Status != EmployerActive {
		return Fail(ReasonEmployerInactive, "")
	}
	if e.ContractStatus == ContractSuspended {
		return Fail(ReasonEmployerContractSuspended, "")
	}
	return Pass()
}

func checkPolicyStatus(ec *EvaluationContext) Outcome {
	p := ec.Policy
	if p == nil {
		if ec.Member.PolicyID == "" {
			return Fail(ReasonPolicyNotFound, "member has no assigned policy")
		}
		return Fail(ReasonPolicyNotFound, fmt.Sprintf("policy_id=%s", ec.Member.PolicyID))
	}
	switch p.Status {
	case PolicyActive:
		return Pass()
	case PolicySuspended:
		return Fail(ReasonPolicySuspended, "")
	case PolicyExpired:
		return Fail(ReasonPolicyExpired, "")
	case PolicyCancelled:
		return Fail(ReasonPolicyCancelled, "")
	default:
		return Fail(ReasonPolicyInactive, "")
	}
}

func checkPolicyPeriod(ec *EvaluationContext) Outcome {
	p := ec.Policy
	if ec.ServiceDate.Before(dateOnly(p.StartDate)) {
		return Fail(ReasonPolicyNotYetEffective, "policy starts "+p.StartDate.Format(dateLayout))
	}
	if p.EndDate != nil && ec.ServiceDate.After(dateOnly(*p.EndDate)) {
		return Fail(ReasonPolicyExpired, "policy ended "+p.EndDate.Format(dateLayout))
	}
	return Pass()
}

func checkEnrollment(ec *EvaluationContext) Outcome {
	m := ec.Member
	if m.EnrollmentDate == nil || m.PolicyID != ec.Policy.ID {
		return Fail(ReasonNotEnrolled, "")
	}
	start := *m.EnrollmentDate
	if m.CoverageStart != nil {
		start = *m.CoverageStart
	}
	if ec.ServiceDate.Before(dateOnly(start)) {
		return Fail(ReasonServiceDateBeforeCoverage, "coverage starts "+start.Format(dateLayout))
	}
	if m.CoverageEnd != nil && ec.ServiceDate.After(dateOnly(*m.CoverageEnd)) {
		return Fail(ReasonServiceDateAfterCoverage, "coverage ended "+m.CoverageEnd.Format(dateLayout))
	}
	return Pass()
}

func checkServiceDate(ec *EvaluationContext) Outcome {
	if ec.ServiceDate.After(ec.evaluationDay()) {
		return Fail(ReasonServiceDateInFuture, ec.ServiceDate.Format(dateLayout))
	}
	return Pass()
}

func checkProviderStatus(ec *EvaluationContext) Outcome {
	if ec.Provider == nil {
		return Fail(ReasonProviderNotFound, fmt.Sprintf("provider_id=%s", ec.ProviderID))
	}
	if ec.Provider.Status != ProviderActive {
		return Fail(ReasonProviderInactive, "")
	}
	return Pass()
}

func checkProviderContract(ec *EvaluationContext) Outcome {
	expiry := *ec.Provider.ContractExpiry
	if ec.ServiceDate.After(dateOnly(expiry)) {
		return Fail(ReasonProviderContractExpired, "contract expired "+expiry.Format(dateLayout))
	}
	return Pass()
}

func checkProviderNetwork(ec *EvaluationContext) Outcome {
	if !ec.Provider.InNetwork {
		return Fail(ReasonProviderNotInNetwork, "")
	}
	return Pass()
}

func coverageCheck(notCovered Hardness) func(*EvaluationContext) Outcome {
	return func(ec *EvaluationContext) Outcome {
		if ec.Service == nil {
			return Fail(ReasonServiceNotCovered, fmt.Sprintf("unknown service code %s", ec.ServiceCode)).
				WithHardness(notCovered)
		}
		term, ok := ec.Coverage()
		if !ok {
			return Fail(ReasonServiceNotCovered, fmt.Sprintf("no coverage rule for %s", ec.ServiceCode)).
				WithHardness(notCovered)
		}
		if term.Excluded {
			return Fail(ReasonServiceExcluded, fmt.Sprintf("%s rule %d", term.Origin, term.RuleID))
		}
		return Pass()
	}
}

func checkWaitingPeriod(ec *EvaluationContext) Outcome {
	term, _ := usableCoverage(ec)
	base := waitingPeriodBase(ec)
	if base.IsZero() {
		return Pass()
	}
	eligibleFrom := dateOnly(base).AddDate(0, 0, term.WaitingPeriodDays)
	if ec.ServiceDate.Before(eligibleFrom) {
		return Fail(ReasonWaitingPeriod, "eligible from "+eligibleFrom.Format(dateLayout))
	}
	return Pass()
}

func waitingPeriodBase(ec *EvaluationContext) time.Time {
	if m := ec.Member; m != nil {
		if m.EnrollmentDate != nil {
			return *m.EnrollmentDate
		}
		if m.CoverageStart != nil {
			return *m.CoverageStart
		}
	}
	if ec.Policy != nil {
		return ec.Policy.StartDate
	}
	return time.Time{}
}

func checkCoverageLimit(ec *EvaluationContext) Outcome {
	term, _ := usableCoverage(ec)
	if term.VisitLimit != nil && ec.Usage.Visits >= *term.VisitLimit {
		return Fail(ReasonCoverageLimitExhausted, fmt.Sprintf("visits %d of %d", ec.Usage.Visits, *term.VisitLimit))
	}
	if term.AmountLimit != nil && ec.Usage.CoveredAmount >= *term.AmountLimit {
		return Fail(ReasonCoverageLimitExhausted, fmt.Sprintf("amount %d of %d", ec.Usage.CoveredAmount, *term.AmountLimit))
	}
	return Pass()
}

func checkPreApproval(ec *EvaluationContext) Outcome {
	term, _ := usableCoverage(ec)
	if term.RequiresPreApproval || (ec.Service != nil && ec.Service.RequiresPreApproval) {
		return Fail(ReasonPreApprovalRequired, ec.ServiceCode)
	}
	return Pass()
}
