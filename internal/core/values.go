package core

import (
	"regexp"
	"strconv"
	"strings"

	"ravesim/pkg/domain"
)

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// initialValue is the value a field is assumed to hold before its first audit.
func initialValue(rule domain.ValueRule, fieldOID string) string {
	switch r := rule.(type) {
	case domain.EnumRule:
		return r.Values[0]
	case domain.RangeRule:
		return strconv.Itoa(r.Min)
	case domain.PatternRule:
		return strings.Replace(r.Pattern, domain.PatternPlaceholder, "0", 1)
	case nil:
		if domain.IsSexField(fieldOID) {
			return "M"
		}
		return ""
	default:
		return ""
	}
}

// nextValue derives the value written after prev. Every branch produces a
// value different from prev when the rule allows more than one outcome.
func nextValue(rule domain.ValueRule, fieldOID, prev string, rng Random) string {
	switch r := rule.(type) {
	case domain.EnumRule:
		idx := 0
		for i, v := range r.Values {
			if v == prev {
				idx = (i + 1) % len(r.Values)
				break
			}
		}
		return r.Values[idx]
	case domain.RangeRule:
		span := r.Max - r.Min + 1
		candidate := r.Min + min(int(rng.Float64()*float64(span)), span-1)
		if strconv.Itoa(candidate) == prev && r.Max > r.Min {
			if candidate == r.Max {
				candidate--
			} else {
				candidate++
			}
		}
		return strconv.Itoa(candidate)
	case domain.PatternRule:
		n := 1
		if m := trailingDigits.FindString(prev); m != "" {
			if parsed, err := strconv.Atoi(m); err == nil {
				n = parsed + 1
			}
		}
		return strings.Replace(r.Pattern, domain.PatternPlaceholder, strconv.Itoa(n), 1)
	default:
		if domain.IsSexField(fieldOID) {
			if prev == "M" {
				return "F"
			}
			return "M"
		}
		if prev == "1" {
			return "0"
		}
		return "1"
	}
}
