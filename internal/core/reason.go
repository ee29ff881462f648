package core

// ReasonCode identifies a single eligibility outcome.
type ReasonCode string

const (
	ReasonMemberNotFound   ReasonCode = "MEMBER_NOT_FOUND"
	ReasonMemberInactive   ReasonCode = "MEMBER_INACTIVE"
	ReasonMemberSuspended  ReasonCode = "MEMBER_SUSPENDED"
	ReasonMemberTerminated ReasonCode = "MEMBER_TERMINATED"
	ReasonCardBlocked      ReasonCode = "CARD_BLOCKED"
	ReasonCardExpired      ReasonCode = "CARD_EXPIRED"
	ReasonMemberOutOfScope ReasonCode = "MEMBER_OUT_OF_SCOPE"

	ReasonPolicyNotFound        ReasonCode = "POLICY_NOT_FOUND"
	ReasonPolicyInactive        ReasonCode = "POLICY_INACTIVE"
	ReasonPolicySuspended       ReasonCode = "POLICY_SUSPENDED"
	ReasonPolicyExpired         ReasonCode = "POLICY_EXPIRED"
	ReasonPolicyCancelled       ReasonCode = "POLICY_CANCELLED"
	ReasonPolicyNotYetEffective ReasonCode = "POLICY_NOT_YET_EFFECTIVE"

	ReasonServiceDateBeforeCoverage ReasonCode = "SERVICE_DATE_BEFORE_COVERAGE"
	ReasonServiceDateAfterCoverage  ReasonCode = "SERVICE_DATE_AFTER_COVERAGE"
	ReasonNotEnrolled               ReasonCode = "NOT_ENROLLED"
	ReasonWaitingPeriod             ReasonCode = "WAITING_PERIOD_NOT_SATISFIED"
	ReasonCoverageLimitExhausted    ReasonCode = "COVERAGE_LIMIT_EXHAUSTED"
	ReasonServiceNotCovered         ReasonCode = "SERVICE_NOT_COVERED"
	ReasonServiceExcluded           ReasonCode = "SERVICE_EXCLUDED"

	ReasonProviderNotFound        ReasonCode = "PROVIDER_NOT_FOUND"
	ReasonProviderNotInNetwork    ReasonCode = "PROVIDER_NOT_IN_NETWORK"
	ReasonProviderInactive        ReasonCode = "PROVIDER_INACTIVE"
	ReasonProviderContractExpired ReasonCode = "PROVIDER_CONTRACT_EXPIRED"

	ReasonEmployerNotFound          ReasonCode = "EMPLOYER_NOT_FOUND"
	ReasonEmployerInactive          ReasonCode = "EMPLOYER_INACTIVE"
	ReasonEmployerContractSuspended ReasonCode = "EMPLOYER_CONTRACT_SUSPENDED"

	ReasonSystemError         ReasonCode = "SYSTEM_ERROR"
	ReasonInvalidRequest      ReasonCode = "INVALID_REQUEST"
	ReasonServiceDateInvalid  ReasonCode = "SERVICE_DATE_INVALID"
	ReasonServiceDateInFuture ReasonCode = "SERVICE_DATE_IN_FUTURE"
	ReasonPreApprovalRequired ReasonCode = "PRE_APPROVAL_REQUIRED"

	ReasonEligible             ReasonCode = "ELIGIBLE"
	ReasonEligibleWithWarnings ReasonCode = "ELIGIBLE_WITH_WARNINGS"
)

type reasonInfo struct {
	message string
	hard    bool
}

var reasonTable = map[ReasonCode]reasonInfo{
	ReasonMemberNotFound:   {"Member not found", true},
	ReasonMemberInactive:   {"Member is inactive", true},
	ReasonMemberSuspended:  {"Member is suspended", true},
	ReasonMemberTerminated: {"Member is terminated", true},
	ReasonCardBlocked:      {"Member card is blocked", true},
	ReasonCardExpired:      {"Member card has expired", true},
	ReasonMemberOutOfScope: {"Member is outside the caller's scope", true},

	ReasonPolicyNotFound:        {"Policy not found", true},
	ReasonPolicyInactive:        {"Policy is inactive", true},
	ReasonPolicySuspended:       {"Policy is suspended", true},
	ReasonPolicyExpired:         {"Policy has expired", true},
	ReasonPolicyCancelled:       {"Policy is cancelled", true},
	ReasonPolicyNotYetEffective: {"Policy is not yet effective", true},

	ReasonServiceDateBeforeCoverage: {"Service date is before the member's coverage start", true},
	ReasonServiceDateAfterCoverage:  {"Service date is after the member's coverage end", true},
	ReasonNotEnrolled:               {"Member is not enrolled in the policy", true},
	ReasonWaitingPeriod:             {"Waiting period has not been satisfied", true},
	ReasonCoverageLimitExhausted:    {"Coverage limit has been exhausted", true},
	ReasonServiceNotCovered:         {"Service is not covered by the policy", true},
	ReasonServiceExcluded:           {"Service is excluded by the policy", true},

	ReasonProviderNotFound:        {"Provider not found", true},
	ReasonProviderNotInNetwork:    {"Provider is not in network", false},
	ReasonProviderInactive:        {"Provider is inactive", true},
	ReasonProviderContractExpired: {"Provider contract has expired", false},

	ReasonEmployerNotFound:          {"Employer not found", true},
	ReasonEmployerInactive:          {"Employer is inactive", true},
	ReasonEmployerContractSuspended: {"Employer contract is suspended", true},

	ReasonSystemError:         {"System error during eligibility evaluation", true},
	ReasonInvalidRequest:      {"Invalid eligibility request", true},
	ReasonServiceDateInvalid:  {"Service date is invalid", true},
	ReasonServiceDateInFuture: {"Service date is in the future", false},
	ReasonPreApprovalRequired: {"Service requires pre-approval", false},

	ReasonEligible:             {"Member is eligible", false},
	ReasonEligibleWithWarnings: {"Member is eligible with warnings", false},
}

// Message returns the display text for the code.
func (c ReasonCode) Message() string {
	if info, ok := reasonTable[c]; ok {
		return info.message
	}
	return string(c)
}

// Hard reports the default classification. Unknown codes are hard.
func (c ReasonCode) Hard() bool {
	info, ok := reasonTable[c]
	if !ok {
		return true
	}
	return info.hard
}

// Known reports whether c belongs to the closed set.
func (c ReasonCode) Known() bool {
	_, ok := reasonTable[c]
	return ok
}

// Hardness lets a rule outcome override a code's default classification.
type Hardness int

const (
	HardnessDefault Hardness = iota
	HardnessHard
	HardnessSoft
)

func (h Hardness) resolve(code ReasonCode) bool {
	switch h {
	case HardnessHard:
		return true
	case HardnessSoft:
		return false
	default:
		return code.Hard()
	}
}

// ParseHardness accepts "hard" or "soft"; anything else is HardnessDefault.
func ParseHardness(s string) Hardness {
	switch s {
	case "hard":
		return HardnessHard
	case "soft":
		return HardnessSoft
	default:
		return HardnessDefault
	}
}
