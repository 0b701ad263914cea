package core

import (
	"math"
	"time"

	"ravesim/pkg/domain"
)

// Probabilities holds the per-evaluation outcome thresholds. Missed and
// Delayed are cumulative: a draw below Missed is a miss, a draw below
// Missed+Delayed is a delay, anything else collects data.
type Probabilities struct {
	Missed  float64
	Delayed float64
	Partial float64
}

// Settings is the resolved, validated configuration one Engine runs with.
type Settings struct {
	Sites           int
	SubjectsPerSite int
	SiteNames       []string
	Templates       []domain.VisitTemplate

	Probabilities Probabilities
	DelayMin      time.Duration
	DelayMax      time.Duration

	AuditUser     string
	AuditFields   []string
	AuditPageSize int
	Rules         map[string]domain.ValueRule

	ProgressIncrement   int
	InactiveProbability float64

	Interval        time.Duration
	BatchPercentage float64
	SpeedFactor     float64

	Seed      int64
	FreshSeed bool

	LogSimulator bool
	LogGenerator bool
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		Sites:           1,
		SubjectsPerSite: 5,
		Templates: []domain.VisitTemplate{{
			Name:      "Demographics",
			DayOffset: 0,
			Forms:     []domain.FormRef{{OID: "DM", Name: "Demographics"}},
		}},
		AuditUser:           "raveuser",
		AuditFields:         []string{"DM.SEX"},
		AuditPageSize:       500,
		Rules:               map[string]domain.ValueRule{"DM.SEX": domain.EnumRule{Values: []string{"M", "F"}}},
		ProgressIncrement:   10,
		InactiveProbability: 0.1,
		BatchPercentage:     25,
		SpeedFactor:         1,
		Seed:                12345,
	}
}

// speed guards the clock against settings built without config validation.
func (s Settings) speed() float64 {
	if s.SpeedFactor <= 0 || math.IsNaN(s.SpeedFactor) || math.IsInf(s.SpeedFactor, 0) {
		return 1
	}
	return s.SpeedFactor
}
