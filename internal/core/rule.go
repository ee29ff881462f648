package core

import (
	"slices"
)

// Rule is one eligibility check. Implementations must be stateless so a
// RuleSet can be shared by concurrent evaluations.
type Rule interface {
	Code() string
	Label() string
	Priority() int
	Applies(ec *EvaluationContext) bool
	Evaluate(ec *EvaluationContext) Outcome
}

type Outcome struct {
	Passed   bool
	Reason   ReasonCode
	Details  string
	Hardness Hardness
}

func Pass() Outcome {
	return Outcome{Passed: true}
}

func Fail(reason ReasonCode, details string) Outcome {
	return Outcome{Reason: reason, Details: details}
}

// WithHardness overrides the reason code's default classification.
func (o Outcome) WithHardness(h Hardness) Outcome {
	o.Hardness = h
	return o
}

// Hard reports whether a failed outcome halts evaluation.
func (o Outcome) Hard() bool {
	return o.Hardness.resolve(o.Reason)
}

type funcRule struct {
	code     string
	label    string
	priority int
	applies  func(*EvaluationContext) bool
	evaluate func(*EvaluationContext) Outcome
}

// NewRule builds a Rule from plain functions. A nil applies means the rule
// always applies.
func NewRule(code, label string, priority int, applies func(*EvaluationContext) bool, evaluate func(*EvaluationContext) Outcome) Rule {
	return funcRule{code: code, label: label, priority: priority, applies: applies, evaluate: evaluate}
}

func (r funcRule) Code() string  { return r.code }
func (r funcRule) Label() string { return r.label }
func (r funcRule) Priority() int { return r.priority }

func (r funcRule) Applies(ec *EvaluationContext) bool {
	if r.applies == nil {
		return true
	}
	return r.applies(ec)
}

func (r funcRule) Evaluate(ec *EvaluationContext) Outcome {
	return r.evaluate(ec)
}

// RuleSet is an immutable list of rules ordered by ascending priority. Rules
// sharing a priority keep the order in which they were registered.
type RuleSet struct {
	rules []Rule
}

func NewRuleSet(rules ...Rule) RuleSet {
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b Rule) int {
		return a.Priority() - b.Priority()
	})
	return RuleSet{rules: sorted}
}

func (rs RuleSet) Rules() []Rule {
	return slices.Clone(rs.rules)
}

func (rs RuleSet) Len() int {
	return len(rs.rules)
}

// Codes lists rule codes in evaluation order.
func (rs RuleSet) Codes() []string {
	codes := make([]string, 0, len(rs.rules))
	for _, r := range rs.rules {
		codes = append(codes, r.Code())
	}
	return codes
}

// RuleInfo describes a registered rule.
type RuleInfo struct {
	Code     string `json:"code"`
	Label    string `json:"label"`
	Priority int    `json:"priority"`
}

func (rs RuleSet) Describe() []RuleInfo {
	out := make([]RuleInfo, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, RuleInfo{Code: r.Code(), Label: r.Label(), Priority: r.Priority()})
	}
	return out
}
