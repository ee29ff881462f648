package core

type CoverageOrigin string

const (
	OriginService  CoverageOrigin = "SERVICE"
	OriginCategory CoverageOrigin = "CATEGORY"
)

// CoverageTerm is the coverage that applies to one service under one policy.
type CoverageTerm struct {
	RuleID              int64          `json:"rule_id"`
	Percentage          int            `json:"percentage"`
	AmountLimit         *int64         `json:"amount_limit,omitempty"`
	VisitLimit          *int           `json:"visit_limit,omitempty"`
	RequiresPreApproval bool           `json:"requires_pre_approval"`
	WaitingPeriodDays   int            `json:"waiting_period_days"`
	Excluded            bool           `json:"excluded"`
	Origin              CoverageOrigin `json:"origin"`
	TargetID            string         `json:"target_id"`
}

// ResolveCoverage picks the single coverage rule for svc out of a policy's
// rules. A rule naming the service wins over one naming its category; within
// a level the lowest rule ID wins. There is no implicit default coverage.
func ResolveCoverage(rules []CoverageRule, svc MedicalService) (CoverageTerm, bool) {
	var serviceRule, categoryRule *CoverageRule
	for i := range rules {
		r := &rules[i]
		switch {
		case r.ServiceID != "" && r.ServiceID == svc.ID:
			if serviceRule == nil || r.ID < serviceRule.ID {
				serviceRule = r
			}
		case r.ServiceID == "" && r.CategoryID != "" && r.CategoryID == svc.CategoryID:
			if categoryRule == nil || r.ID < categoryRule.ID {
				categoryRule = r
			}
		}
	}

	switch {
	case serviceRule != nil:
		return termFromRule(*serviceRule, OriginService, serviceRule.ServiceID), true
	case categoryRule != nil:
		return termFromRule(*categoryRule, OriginCategory, categoryRule.CategoryID), true
	default:
		return CoverageTerm{}, false
	}
}

func termFromRule(r CoverageRule, origin CoverageOrigin, target string) CoverageTerm {
	term := CoverageTerm{
		RuleID:              r.ID,
		Percentage:          clampPercent(r.CoveragePercent),
		RequiresPreApproval: r.RequiresPreApproval,
		WaitingPeriodDays:   max(r.WaitingPeriodDays, 0),
		Excluded:            r.Excluded,
		Origin:              origin,
		TargetID:            target,
	}
	if r.AmountLimit != nil {
		limit := max(*r.AmountLimit, 0)
		term.AmountLimit = &limit
	}
	if r.VisitLimit != nil {
		limit := max(*r.VisitLimit, 0)
		term.VisitLimit = &limit
	}
	if term.Excluded {
		term.Percentage = 0
	}
	return term
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}

// CostShare splits a billed amount between insurer and patient.
type CostShare struct {
	Billed  int64 `json:"billed"`
	Covered int64 `json:"covered"`
	Patient int64 `json:"patient"`
	Capped  bool  `json:"capped"`
}

// Split applies the percentage (rounded half up to the minor unit) and caps
// the covered part at the amount limit. The excess is patient responsibility.
func (t CoverageTerm) Split(billed int64) CostShare {
	if billed <= 0 {
		return CostShare{}
	}
	covered := (billed*int64(clampPercent(t.Percentage)) + 50) / 100
	share := CostShare{Billed: billed, Covered: covered}
	if t.AmountLimit != nil && covered > *t.AmountLimit {
		share.Covered = *t.AmountLimit
		share.Capped = true
	}
	share.Patient = billed - share.Covered
	return share
}
