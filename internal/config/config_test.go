package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ravesim/internal/blob"
	"ravesim/internal/core"
	"ravesim/pkg/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ravesim.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Study.OID != "Mediflex(Prod)" || cfg.Study.Seed != 12345 {
		t.Fatalf("unexpected study %+v", cfg.Study)
	}
	if cfg.Service.Version != "1.18.0" {
		t.Fatalf("expected default version, got %q", cfg.Service.Version)
	}
	if len(cfg.Visits.Templates) != 1 || cfg.Visits.Templates[0].Forms[0].OID != "DM" {
		t.Fatalf("unexpected templates %+v", cfg.Visits.Templates)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
version: 1
study:
  oid: Oncology(Dev)
  seed: 7
structure:
  sites: 3
  subjects_per_site: 2
visits:
  templates:
    - name: Screening
      forms:
        - oid: DM
        - oid: VS
          name: Vital Signs
    - name: Week 2
      day_offset: 14
      forms:
        - oid: AE
  probabilities:
    missed: 0.1
    delayed: 0.2
    partial: 0.3
  delay_ms:
    min: 100
    max: 500
values:
  rules:
    VS.PULSE:
      type: number
      range:
        min: 50
        max: 90
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Study.Name != "Oncology" {
		t.Fatalf("expected name derived from OID, got %q", cfg.Study.Name)
	}
	if cfg.Structure.Sites != 3 || cfg.Structure.SubjectsPerSite != 2 {
		t.Fatalf("unexpected structure %+v", cfg.Structure)
	}
	if cfg.Structure.ProgressIncrement != 10 {
		t.Fatalf("expected untouched default increment, got %d", cfg.Structure.ProgressIncrement)
	}
	if got := cfg.Visits.Templates[0].Forms[0].Name; got != "DM" {
		t.Fatalf("expected form name to default to OID, got %q", got)
	}
	if _, ok := cfg.Values.Rules["DM.SEX"]; ok {
		t.Fatalf("expected supplied rules to replace defaults, got %v", cfg.Values.Rules)
	}
	if _, ok := cfg.Values.Rules["VS.PULSE"]; !ok {
		t.Fatalf("expected VS.PULSE rule")
	}
}

func TestLoadKeepsDefaultRulesWhenValuesOmitted(t *testing.T) {
	cfg, err := Load(writeConfig(t, "structure:\n  sites: 2\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := cfg.Values.Rules["DM.SEX"]; !ok {
		t.Fatalf("expected default DM.SEX rule, got %v", cfg.Values.Rules)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "structure: [\n")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestDaysBetweenUniform(t *testing.T) {
	path := writeConfig(t, `
visits:
  days_between: 7
  templates:
    - name: A
      forms: [{oid: DM}]
    - name: B
      day_offset: 99
      forms: [{oid: VS}]
    - name: C
      forms: [{oid: AE}]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []float64{0, 7, 14}
	for i, tmpl := range cfg.Visits.Templates {
		if tmpl.DayOffset != want[i] {
			t.Fatalf("template %d offset %v, want %v", i, tmpl.DayOffset, want[i])
		}
	}
}

func TestDaysBetweenList(t *testing.T) {
	path := writeConfig(t, `
visits:
  days_between: [3, 4]
  templates:
    - name: A
      forms: [{oid: DM}]
    - name: B
      forms: [{oid: VS}]
    - name: C
      forms: [{oid: AE}]
    - name: D
      day_offset: 30
      forms: [{oid: LB}]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []float64{0, 3, 7, 30}
	for i, tmpl := range cfg.Visits.Templates {
		if tmpl.DayOffset != want[i] {
			t.Fatalf("template %d offset %v, want %v", i, tmpl.DayOffset, want[i])
		}
	}
}

func TestDaysBetweenUnsetKeepsOffsets(t *testing.T) {
	var d DaysBetween
	if _, ok := d.Offsets(3); ok {
		t.Fatalf("unset days_between should not produce offsets")
	}
	offsets, ok := DaysBetween{Set: true, Gaps: []float64{5}}.Offsets(3)
	if !ok || offsets[1] != 5 || !math.IsNaN(offsets[2]) {
		t.Fatalf("unexpected offsets %v", offsets)
	}
}

func TestDaysBetweenRejectsMapping(t *testing.T) {
	if _, err := Load(writeConfig(t, "visits:\n  days_between:\n    a: 1\n")); err == nil {
		t.Fatalf("expected days_between mapping to be rejected")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "structure:\n  sites: 2\n")
	t.Setenv("RAVESIM_STRUCTURE_SITES", "4")
	t.Setenv("RAVESIM_STUDY_OID", "Cardio(UAT)")
	t.Setenv("RAVESIM_PERSISTENCE_DRIVER", "SQLite")
	t.Setenv("RAVESIM_VISITS_PROBABILITIES_MISSED", "0.25")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Structure.Sites != 4 {
		t.Fatalf("expected env to win, got %d sites", cfg.Structure.Sites)
	}
	if cfg.Study.OID != "Cardio(UAT)" || cfg.Study.Name != "Cardio" {
		t.Fatalf("unexpected study %+v", cfg.Study)
	}
	if cfg.Persistence.Driver != "sqlite" {
		t.Fatalf("expected normalized driver, got %q", cfg.Persistence.Driver)
	}
	if cfg.Visits.Probabilities.Missed != 0.25 {
		t.Fatalf("expected missed 0.25, got %v", cfg.Visits.Probabilities.Missed)
	}
}

func TestEnvRejectsBadNumber(t *testing.T) {
	t.Setenv("RAVESIM_STRUCTURE_SITES", "many")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected env parse error")
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Study.OID = "no-environment"
	cfg.Structure.Sites = 0
	cfg.Visits.Probabilities = ProbabilitiesConfig{Missed: 0.7, Delayed: 0.6}
	cfg.Visits.DelayMS = DelayConfig{Min: 10, Max: 5}
	cfg.Persistence.Driver = "mongo"
	cfg.Export.Blob = BlobConfig{Driver: "s3"}
	cfg.Export.URLExpirySeconds = -1
	cfg.Values.Rules["X.BAD"] = RuleConfig{Type: "colour"}
	cfg.Normalize()
	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	wants := []string{
		"study[0].oid",
		"structure.sites",
		"missed + delayed",
		"visits.delay_ms",
		"persistence.driver",
		"export.blob.s3.bucket",
		"export.url_expiry_seconds",
		"values.rules[X.BAD]",
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range wants {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected problem mentioning %q, got:\n%s", want, joined)
		}
	}
}

func TestValidateSimulatorRates(t *testing.T) {
	cases := []struct {
		name  string
		speed float64
		batch float64
		want  string
	}{
		{name: "zero speed", speed: 0, batch: 25, want: "simulator.speed_factor"},
		{name: "negative speed", speed: -5, batch: 25, want: "simulator.speed_factor"},
		{name: "NaN speed", speed: math.NaN(), batch: 25, want: "simulator.speed_factor"},
		{name: "infinite speed", speed: math.Inf(1), batch: 25, want: "simulator.speed_factor"},
		{name: "NaN batch", speed: 1, batch: math.NaN(), want: "simulator.batch_percentage"},
		{name: "infinite batch", speed: 1, batch: math.Inf(-1), want: "simulator.batch_percentage"},
		{name: "over batch", speed: 1, batch: 101, want: "simulator.batch_percentage"},
		{name: "fractional speed", speed: 0.5, batch: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Simulator.SpeedFactor = tc.speed
			cfg.Simulator.BatchPercentage = tc.batch
			cfg.Normalize()
			err := cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %s problem, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadRejectsNonFiniteSpeed(t *testing.T) {
	for _, raw := range []string{"-5", ".nan", ".inf"} {
		path := writeConfig(t, "version: 1\nsimulator:\n  speed_factor: "+raw+"\n")
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "speed_factor") {
			t.Fatalf("speed_factor %s: expected rejection, got %v", raw, err)
		}
	}
}

func TestValidateDuplicateStudies(t *testing.T) {
	cfg := Default()
	cfg.Studies = []StudyConfig{{OID: "Mediflex(Prod)"}}
	cfg.Normalize()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Fatalf("expected duplicate study error, got %v", err)
	}
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	cfg := Default()
	cfg.Persistence.Enabled = true
	cfg.Persistence.Driver = "postgres"
	cfg.Normalize()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "postgres_dsn") {
		t.Fatalf("expected dsn error, got %v", err)
	}
	cfg.Persistence.PostgresDSN = "postgres://localhost/ravesim"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	_, err := Load(writeConfig(t, "version: 2\n"))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestAdditionalStudiesDeriveSeeds(t *testing.T) {
	cfg := Default()
	cfg.Studies = []StudyConfig{{OID: "Second(Dev)"}, {OID: "Third(Dev)", Seed: 3}}
	cfg.Normalize()
	all := cfg.AllStudies()
	if len(all) != 3 {
		t.Fatalf("expected 3 studies, got %d", len(all))
	}
	if all[1].Seed != 12346 || all[1].Name != "Second" {
		t.Fatalf("unexpected derived study %+v", all[1])
	}
	if all[2].Seed != 3 {
		t.Fatalf("explicit seed should win, got %d", all[2].Seed)
	}
	study := all[1].DomainStudy()
	if study.ProjectName != "Second" || study.Environment != "Dev" || study.MetadataVersionOID != "1" {
		t.Fatalf("unexpected domain study %+v", study)
	}
}

func TestEngineSettings(t *testing.T) {
	cfg := Default()
	cfg.Simulator.IntervalMS = 1500
	cfg.Visits.DelayMS = DelayConfig{Min: 200, Max: 800}
	cfg.Visits.Templates = []TemplateConfig{{Name: "Baseline", DayOffset: 2, Forms: []FormConfig{{OID: "VS", Name: "Vitals"}}}}
	cfg.Normalize()
	s := cfg.EngineSettings(cfg.Study)
	if s.Interval != 1500*time.Millisecond {
		t.Fatalf("interval %v", s.Interval)
	}
	if s.DelayMin != 200*time.Millisecond || s.DelayMax != 800*time.Millisecond {
		t.Fatalf("delay bounds %v..%v", s.DelayMin, s.DelayMax)
	}
	if s.Seed != 12345 || s.Sites != 1 || s.SubjectsPerSite != 5 {
		t.Fatalf("unexpected settings %+v", s)
	}
	if len(s.Templates) != 1 || s.Templates[0].DayOffset != domain.DayOffset(2) || s.Templates[0].Forms[0].Name != "Vitals" {
		t.Fatalf("unexpected templates %+v", s.Templates)
	}
	if _, ok := s.Rules["DM.SEX"].(domain.EnumRule); !ok {
		t.Fatalf("expected enum rule for DM.SEX, got %T", s.Rules["DM.SEX"])
	}
}

func TestPersistenceSettings(t *testing.T) {
	cfg := Default()
	cfg.Persistence.Enabled = true
	cfg.Persistence.Driver = "Redis"
	cfg.Persistence.Redis.DB = 2
	cfg.Persistence.Blob = BlobConfig{Driver: "S3", S3: S3Config{Bucket: "snapshots", Region: "eu-west-1", PathStyle: true}}
	cfg.Normalize()
	ps := cfg.PersistenceSettings()
	if ps.Driver != core.StorageRedis || !ps.Enabled || ps.RedisDB != 2 || ps.RedisNamespace != "ravesim" {
		t.Fatalf("unexpected persistence settings %+v", ps)
	}
	if ps.Blob.Driver != blob.DriverS3 || ps.Blob.S3.Bucket != "snapshots" || !ps.Blob.S3.PathStyle {
		t.Fatalf("unexpected blob config %+v", ps.Blob)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Visits.DaysBetween = DaysBetween{Set: true, Gaps: []float64{1, 2}}
	raw, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), "days_between:") {
		t.Fatalf("expected days_between in output:\n%s", raw)
	}
	back := Default()
	if err := Decode(raw, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !back.Visits.DaysBetween.Set || len(back.Visits.DaysBetween.Gaps) != 2 {
		t.Fatalf("days_between lost: %+v", back.Visits.DaysBetween)
	}
}
