package domain

import (
	"fmt"
	"strings"
)

// ValueRule is the sealed set of value-generation strategies that can be bound
// to an audit field OID. Implementations are EnumRule, RangeRule and
// PatternRule; fields without a rule use the default toggles.
type ValueRule interface {
	// Kind returns the configuration name of the rule ("enum", "number", "string").
	Kind() string
	isValueRule()
}

// EnumRule cycles through a fixed list of values.
type EnumRule struct {
	Values []string
}

// RangeRule draws integers uniformly from [Min, Max].
type RangeRule struct {
	Min int
	Max int
}

// PatternRule substitutes an incrementing counter for the {n} placeholder.
type PatternRule struct {
	Pattern string
}

// PatternPlaceholder is the token replaced by the counter in PatternRule.
const PatternPlaceholder = "{n}"

// Kind implements ValueRule.
func (EnumRule) Kind() string { return "enum" }

// Kind implements ValueRule.
func (RangeRule) Kind() string { return "number" }

// Kind implements ValueRule.
func (PatternRule) Kind() string { return "string" }

func (EnumRule) isValueRule()    {}
func (RangeRule) isValueRule()   {}
func (PatternRule) isValueRule() {}

// NewValueRule builds a rule from its loosely typed configuration form and
// rejects shapes that are missing the fields their kind requires.
func NewValueRule(kind string, values []string, min, max *int, pattern string) (ValueRule, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "enum":
		if len(values) == 0 {
			return nil, fmt.Errorf("enum rule requires at least one value")
		}
		return EnumRule{Values: append([]string(nil), values...)}, nil
	case "number":
		if min == nil || max == nil {
			return nil, fmt.Errorf("number rule requires range.min and range.max")
		}
		if *max < *min {
			return nil, fmt.Errorf("number rule range max %d below min %d", *max, *min)
		}
		return RangeRule{Min: *min, Max: *max}, nil
	case "string":
		if !strings.Contains(pattern, PatternPlaceholder) {
			return nil, fmt.Errorf("string rule pattern %q must contain %s", pattern, PatternPlaceholder)
		}
		return PatternRule{Pattern: pattern}, nil
	default:
		return nil, fmt.Errorf("unknown value rule type %q", kind)
	}
}

// IsSexField reports whether an unconfigured field follows the binary sex
// convention (SEX or <FORM>.SEX).
func IsSexField(fieldOID string) bool {
	upper := strings.ToUpper(fieldOID)
	return upper == "SEX" || strings.HasSuffix(upper, ".SEX")
}
