package core

import (
	"context"
	"fmt"
	"time"
)

type Evaluator struct {
	rules RuleSet
}

func NewEvaluator(rules RuleSet) *Evaluator {
	return &Evaluator{rules: rules}
}

func (e *Evaluator) RuleSet() RuleSet {
	return e.rules
}

// Evaluate runs every applicable rule in order. A hard failure stops the
// run; soft failures are collected as warnings. A panicking rule or a done
// context is reported as SYSTEM_ERROR and also stops the run.
func (e *Evaluator) Evaluate(ctx context.Context, ec *EvaluationContext) Decision {
	start := time.Now()
	decision := Decision{
		RequestID:   ec.RequestID,
		EvaluatedAt: ec.Timestamp,
		Reasons:     []ReasonDetail{},
	}

	halted := false
	for _, rule := range e.rules.rules {
		if err := ctx.Err(); err != nil {
			decision.Reasons = append(decision.Reasons, ReasonDetail{
				Code:    ReasonSystemError,
				Message: ReasonSystemError.Message(),
				Details: fmt.Sprintf("evaluation aborted before rule=%s: %v", rule.Code(), err),
				Hard:    true,
				Rule:    rule.Code(),
			})
			halted = true
			break
		}

		applied, outcome, fault := runRule(rule, ec)
		if !applied {
			continue
		}
		decision.RulesEvaluated++

		if fault != nil {
			decision.Reasons = append(decision.Reasons, ReasonDetail{
				Code:    ReasonSystemError,
				Message: ReasonSystemError.Message(),
				Details: fmt.Sprintf("rule=%s: %v", rule.Code(), fault),
				Hard:    true,
				Rule:    rule.Code(),
			})
			halted = true
			break
		}
		if outcome.Passed {
			continue
		}

		hard := outcome.Hard()
		decision.Reasons = append(decision.Reasons, ReasonDetail{
			Code:    outcome.Reason,
			Message: outcome.Reason.Message(),
			Details: outcome.Details,
			Hard:    hard,
			Rule:    rule.Code(),
		})
		if hard {
			halted = true
			break
		}
	}

	switch {
	case halted:
		decision.Status = StatusNotEligible
		decision.Code = decision.Reasons[len(decision.Reasons)-1].Code
	case len(decision.Reasons) > 0:
		decision.Eligible = true
		decision.Status = StatusWarning
		decision.Code = ReasonEligibleWithWarnings
	default:
		decision.Eligible = true
		decision.Status = StatusEligible
		decision.Code = ReasonEligible
	}

	decision.Snapshot = BuildSnapshot(ec)
	if term, ok := ec.Coverage(); ok && decision.Eligible {
		decision.Coverage = &term
	}
	decision.Elapsed = time.Since(start)
	return decision
}

func runRule(rule Rule, ec *EvaluationContext) (applied bool, outcome Outcome, fault error) {
	defer func() {
		if p := recover(); p != nil {
			applied = true
			fault = fmt.Errorf("panic: %v", p)
		}
	}()

	if !rule.Applies(ec) {
		return false, Outcome{}, nil
	}
	return true, rule.Evaluate(ec), nil
}
