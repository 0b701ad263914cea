package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ravesim/internal/blob"
	"ravesim/internal/core"
	"ravesim/pkg/domain"
)

// DaysBetween is the visits.days_between convenience: either one uniform gap
// or a list of successive gaps. Unset leaves template day offsets alone.
type DaysBetween struct {
	Set     bool
	Uniform float64
	Gaps    []float64
}

// UnmarshalYAML accepts a scalar or a sequence of numbers.
func (d *DaysBetween) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var f float64
		if err := n.Decode(&f); err != nil {
			return fmt.Errorf("days_between: %w", err)
		}
		*d = DaysBetween{Set: true, Uniform: f}
	case yaml.SequenceNode:
		var gaps []float64
		if err := n.Decode(&gaps); err != nil {
			return fmt.Errorf("days_between: %w", err)
		}
		*d = DaysBetween{Set: true, Gaps: gaps}
	default:
		return fmt.Errorf("days_between must be a number or a list of numbers")
	}
	return nil
}

// MarshalYAML mirrors UnmarshalYAML.
func (d DaysBetween) MarshalYAML() (any, error) {
	switch {
	case !d.Set:
		return nil, nil
	case d.Gaps != nil:
		return d.Gaps, nil
	default:
		return d.Uniform, nil
	}
}

// IsZero lets omitempty drop an unset value.
func (d DaysBetween) IsZero() bool { return !d.Set }

// Offsets expands the gaps into day offsets for n templates. ok is false when
// no gaps were configured. List entries beyond the templates are ignored and
// templates beyond the list keep their own offsets (reported as NaN).
func (d DaysBetween) Offsets(n int) (offsets []float64, ok bool) {
	if !d.Set {
		return nil, false
	}
	offsets = make([]float64, n)
	if d.Gaps == nil {
		for i := range offsets {
			offsets[i] = float64(i) * d.Uniform
		}
		return offsets, true
	}
	running := 0.0
	for i := range offsets {
		if i == 0 {
			offsets[i] = 0
			continue
		}
		if i-1 >= len(d.Gaps) {
			offsets[i] = math.NaN()
			continue
		}
		running += d.Gaps[i-1]
		offsets[i] = running
	}
	return offsets, true
}

// Normalize fills defaults left empty by the file and environment layers and
// folds days_between into template day offsets.
func (c *Config) Normalize() {
	if c.Version == 0 {
		c.Version = SchemaVersion
	}
	c.Study = normalizeStudy(c.Study, 0)
	for i := range c.Studies {
		c.Studies[i] = normalizeStudy(c.Studies[i], c.Study.Seed+int64(i)+1)
	}
	if len(c.Visits.Templates) == 0 {
		c.Visits.Templates = Default().Visits.Templates
	}
	if offsets, ok := c.Visits.DaysBetween.Offsets(len(c.Visits.Templates)); ok {
		for i, off := range offsets {
			if !math.IsNaN(off) {
				c.Visits.Templates[i].DayOffset = off
			}
		}
	}
	for i := range c.Visits.Templates {
		for j := range c.Visits.Templates[i].Forms {
			f := &c.Visits.Templates[i].Forms[j]
			f.OID = strings.TrimSpace(f.OID)
			if f.Name == "" {
				f.Name = f.OID
			}
		}
	}
	if len(c.Audit.FieldOIDs) == 0 {
		c.Audit.FieldOIDs = []string{"DM.SEX"}
	}
	if c.Audit.User == "" {
		c.Audit.User = "raveuser"
	}
	if c.Audit.PerPageDefault <= 0 {
		c.Audit.PerPageDefault = 500
	}
	c.Persistence.Driver = strings.ToLower(strings.TrimSpace(c.Persistence.Driver))
	if c.Persistence.Driver == "" {
		c.Persistence.Driver = string(core.StorageFile)
	}
	if c.Service.Version == "" {
		c.Service.Version = "1.18.0"
	}
}

func normalizeStudy(s StudyConfig, fallbackSeed int64) StudyConfig {
	s.OID = strings.TrimSpace(s.OID)
	if s.MetadataVersionOID == "" {
		s.MetadataVersionOID = "1"
	}
	if s.Name == "" {
		if project, _, ok := domain.ParseStudyOID(s.OID); ok {
			s.Name = project
		} else {
			s.Name = s.OID
		}
	}
	if s.Seed == 0 && fallbackSeed != 0 {
		s.Seed = fallbackSeed
	}
	return s
}

// ValidationError lists every invalid field found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks the normalized configuration. It returns a
// *ValidationError naming every failing field.
func (c Config) Validate() error {
	if c.Version != SchemaVersion {
		return fmt.Errorf("%w: %d (expected %d)", ErrUnsupportedVersion, c.Version, SchemaVersion)
	}
	v := &ValidationError{}
	seen := make(map[string]struct{})
	for i, s := range c.AllStudies() {
		if _, _, ok := domain.ParseStudyOID(s.OID); !ok {
			v.add("study[%d].oid %q must look like ProjectName(Environment)", i, s.OID)
		}
		if _, dup := seen[s.OID]; dup {
			v.add("study[%d].oid %q is duplicated", i, s.OID)
		}
		seen[s.OID] = struct{}{}
	}
	if c.Structure.Sites < 1 {
		v.add("structure.sites must be >= 1, got %d", c.Structure.Sites)
	}
	if c.Structure.SubjectsPerSite < 1 {
		v.add("structure.subjects_per_site must be >= 1, got %d", c.Structure.SubjectsPerSite)
	}
	if c.Structure.ProgressIncrement < 0 {
		v.add("structure.progress_increment must be >= 0, got %d", c.Structure.ProgressIncrement)
	}
	if c.Simulator.IntervalMS < 0 {
		v.add("simulator.interval_ms must be >= 0, got %d", c.Simulator.IntervalMS)
	}
	if bp := c.Simulator.BatchPercentage; !finite(bp) || bp < 0 || bp > 100 {
		v.add("simulator.batch_percentage must be within [0,100], got %v", bp)
	}
	if sf := c.Simulator.SpeedFactor; !finite(sf) || sf <= 0 {
		v.add("simulator.speed_factor must be a positive finite number, got %v", sf)
	}
	checkProbability(v, "simulator.inactive_probability", c.Simulator.InactiveProbability)
	p := c.Visits.Probabilities
	checkProbability(v, "visits.probabilities.missed", p.Missed)
	checkProbability(v, "visits.probabilities.delayed", p.Delayed)
	checkProbability(v, "visits.probabilities.partial", p.Partial)
	if p.Missed+p.Delayed > 1 {
		v.add("visits.probabilities.missed + delayed must be <= 1, got %v", p.Missed+p.Delayed)
	}
	if c.Visits.DelayMS.Min < 0 || c.Visits.DelayMS.Max < c.Visits.DelayMS.Min {
		v.add("visits.delay_ms requires 0 <= min <= max, got [%d,%d]", c.Visits.DelayMS.Min, c.Visits.DelayMS.Max)
	}
	for i, t := range c.Visits.Templates {
		if strings.TrimSpace(t.Name) == "" {
			v.add("visits.templates[%d].name is required", i)
		}
		for j, f := range t.Forms {
			if f.OID == "" {
				v.add("visits.templates[%d].forms[%d].oid is required", i, j)
			}
		}
	}
	for _, f := range c.Audit.FieldOIDs {
		if strings.TrimSpace(f) == "" {
			v.add("audit.field_oids must not contain empty entries")
			break
		}
	}
	fields := make([]string, 0, len(c.Values.Rules))
	for field := range c.Values.Rules {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if _, err := c.Values.Rules[field].Build(); err != nil {
			v.add("values.rules[%s]: %v", field, err)
		}
	}
	switch core.StorageDriver(c.Persistence.Driver) {
	case core.StorageFile, core.StorageMemory, core.StorageSQLite, core.StorageRedis, core.StorageBlob:
	case core.StoragePostgres:
		if c.Persistence.Enabled && c.Persistence.PostgresDSN == "" {
			v.add("persistence.postgres_dsn is required for the postgres driver")
		}
	default:
		v.add("persistence.driver %q is not one of file, memory, sqlite, postgres, redis, blob", c.Persistence.Driver)
	}
	blobs := []struct {
		name string
		cfg  BlobConfig
	}{{"persistence.blob", c.Persistence.Blob}, {"export.blob", c.Export.Blob}}
	for _, nb := range blobs {
		name, b := nb.name, nb.cfg
		switch blob.Driver(strings.ToLower(b.Driver)) {
		case "", blob.DriverFilesystem, blob.DriverMemory:
		case blob.DriverS3:
			if b.S3.Bucket == "" {
				v.add("%s.s3.bucket is required for the s3 driver", name)
			}
		default:
			v.add("%s.driver %q is not one of fs, s3, memory", name, b.Driver)
		}
	}
	if c.Export.URLExpirySeconds < 0 {
		v.add("export.url_expiry_seconds must be >= 0, got %d", c.Export.URLExpirySeconds)
	}
	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func checkProbability(v *ValidationError, name string, p float64) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		v.add("%s must be within [0,1], got %v", name, p)
	}
}

// Build converts the loosely typed rule into a domain.ValueRule.
func (r RuleConfig) Build() (domain.ValueRule, error) {
	var lo, hi *int
	if r.Range != nil {
		lo, hi = r.Range.Min, r.Range.Max
	}
	return domain.NewValueRule(r.Type, r.Enum, lo, hi, r.Pattern)
}

// AllStudies returns the primary study followed by any additional ones.
func (c Config) AllStudies() []StudyConfig {
	return append([]StudyConfig{c.Study}, c.Studies...)
}

// DomainStudy converts a study block into its domain identity.
func (s StudyConfig) DomainStudy() domain.Study {
	project, env, _ := domain.ParseStudyOID(s.OID)
	return domain.Study{
		OID:                s.OID,
		ProjectName:        project,
		Environment:        env,
		Name:               s.Name,
		Description:        s.Description,
		MetadataVersionOID: s.MetadataVersionOID,
	}
}

// EngineSettings converts the simulator sections into core.Settings for one
// study. Invalid rules are skipped; Validate reports them.
func (c Config) EngineSettings(study StudyConfig) core.Settings {
	templates := make([]domain.VisitTemplate, 0, len(c.Visits.Templates))
	for _, t := range c.Visits.Templates {
		forms := make([]domain.FormRef, 0, len(t.Forms))
		for _, f := range t.Forms {
			forms = append(forms, domain.FormRef{OID: f.OID, Name: f.Name})
		}
		templates = append(templates, domain.VisitTemplate{Name: t.Name, DayOffset: domain.DayOffset(t.DayOffset), Forms: forms})
	}
	rules := make(map[string]domain.ValueRule, len(c.Values.Rules))
	for field, rc := range c.Values.Rules {
		if rule, err := rc.Build(); err == nil {
			rules[field] = rule
		}
	}
	return core.Settings{
		Sites:           c.Structure.Sites,
		SubjectsPerSite: c.Structure.SubjectsPerSite,
		SiteNames:       append([]string(nil), c.Structure.SiteNames...),
		Templates:       templates,
		Probabilities: core.Probabilities{
			Missed:  c.Visits.Probabilities.Missed,
			Delayed: c.Visits.Probabilities.Delayed,
			Partial: c.Visits.Probabilities.Partial,
		},
		DelayMin:            time.Duration(c.Visits.DelayMS.Min) * time.Millisecond,
		DelayMax:            time.Duration(c.Visits.DelayMS.Max) * time.Millisecond,
		AuditUser:           c.Audit.User,
		AuditFields:         append([]string(nil), c.Audit.FieldOIDs...),
		AuditPageSize:       c.Audit.PerPageDefault,
		Rules:               rules,
		ProgressIncrement:   c.Structure.ProgressIncrement,
		InactiveProbability: c.Simulator.InactiveProbability,
		Interval:            time.Duration(c.Simulator.IntervalMS) * time.Millisecond,
		BatchPercentage:     c.Simulator.BatchPercentage,
		SpeedFactor:         c.Simulator.SpeedFactor,
		Seed:                study.Seed,
		FreshSeed:           c.Simulator.FreshSeed,
		LogSimulator:        c.Logging.Simulator,
		LogGenerator:        c.Logging.Generator,
	}
}

// PersistenceSettings converts the persistence section.
func (c Config) PersistenceSettings() core.PersistenceSettings {
	p := c.Persistence
	return core.PersistenceSettings{
		Enabled:        p.Enabled,
		Driver:         core.StorageDriver(p.Driver),
		Path:           p.Path,
		SQLitePath:     p.SQLitePath,
		PostgresDSN:    p.PostgresDSN,
		RedisAddr:      p.Redis.Addr,
		RedisPassword:  p.Redis.Password,
		RedisDB:        p.Redis.DB,
		RedisNamespace: p.Redis.Namespace,
		Blob:           p.Blob.ToBlob(),
	}
}

// ToBlob converts the section into a blob.Config.
func (b BlobConfig) ToBlob() blob.Config {
	return blob.Config{
		Driver: blob.Driver(strings.ToLower(b.Driver)),
		FSRoot: b.Root,
		S3: blob.S3Config{
			Region:          b.S3.Region,
			Bucket:          b.S3.Bucket,
			Prefix:          b.S3.Prefix,
			Endpoint:        b.S3.Endpoint,
			AccessKeyID:     b.S3.AccessKeyID,
			SecretAccessKey: b.S3.SecretAccessKey,
			PathStyle:       b.S3.PathStyle,
		},
	}
}
