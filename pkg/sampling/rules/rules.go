// Package rules converts rebalancing results into the declarative
// sampling rules the ingestion proxy consumes. Rules pair a predicate
// over trace attributes with a multiplicative factor (or an absolute
// sample rate); the proxy evaluates them in order and multiplies the
// values of every matching rule into the effective sample rate.
package rules

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SamplingValue types.
const (
	ValueTypeFactor     = "factor"
	ValueTypeSampleRate = "sampleRate"
)

// Condition ops.
const (
	OpAnd  = "and"
	OpOr   = "or"
	OpEq   = "eq"
	OpGlob = "glob"
)

type SamplingValue struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// Condition is a predicate tree over trace attributes. An "and" with
// no inner conditions matches everything; the proxy treats a missing
// inner list as empty.
type Condition struct {
	Op      string      `json:"op"`
	Name    string      `json:"name,omitempty"`
	Value   []string    `json:"value,omitempty"`
	Options *EqOptions  `json:"options,omitempty"`
	Inner   []Condition `json:"inner,omitempty"`
}

type EqOptions struct {
	IgnoreCase bool `json:"ignoreCase"`
}

// MatchAll returns the unconditional catch-all condition.
func MatchAll() Condition {
	return Condition{Op: OpAnd}
}

func (c Condition) IsMatchAll() bool {
	return c.Op == OpAnd && len(c.Inner) == 0
}

// Eq returns a case-insensitive equality condition on a trace attribute.
func Eq(name string, values ...string) Condition {
	return Condition{
		Op:      OpEq,
		Name:    name,
		Value:   values,
		Options: &EqOptions{IgnoreCase: true},
	}
}

type Rule struct {
	ID            int           `json:"id"`
	Type          string        `json:"type"`
	SamplingValue SamplingValue `json:"samplingValue"`
	Condition     Condition     `json:"condition"`
}

// RuleSet is an ordered list of rules for one project. An empty rule
// set means the proxy falls back to the organization's uniform base
// rate; callers must not interpret it as "drop everything".
type RuleSet []Rule

func (rs RuleSet) Marshal() ([]byte, error) {
	return json.Marshal(rs)
}

func UnmarshalRuleSet(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}
