// Package config loads the versioned simulator configuration: defaults, then
// an optional YAML file, then RAVESIM_* environment overrides, then
// normalization and validation.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the only configuration layout accepted.
const SchemaVersion = 1

// EnvPrefix namespaces every environment override.
const EnvPrefix = "RAVESIM_"

// Config is the top-level configuration document.
type Config struct {
	Version       int                 `yaml:"version"`
	Study         StudyConfig         `yaml:"study" envPrefix:"STUDY_"`
	Studies       []StudyConfig       `yaml:"studies,omitempty"`
	Simulator     SimulatorConfig     `yaml:"simulator" envPrefix:"SIMULATOR_"`
	Structure     StructureConfig     `yaml:"structure" envPrefix:"STRUCTURE_"`
	Visits        VisitsConfig        `yaml:"visits" envPrefix:"VISITS_"`
	Audit         AuditConfig         `yaml:"audit" envPrefix:"AUDIT_"`
	Values        ValuesConfig        `yaml:"values"`
	Persistence   PersistenceConfig   `yaml:"persistence" envPrefix:"PERSISTENCE_"`
	Export        ExportConfig        `yaml:"export" envPrefix:"EXPORT_"`
	Logging       LoggingConfig       `yaml:"logging" envPrefix:"LOGGING_"`
	Service       ServiceConfig       `yaml:"service" envPrefix:"SERVICE_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// StudyConfig identifies one simulated study.
type StudyConfig struct {
	OID                string `yaml:"oid" env:"OID"`
	Name               string `yaml:"name" env:"NAME"`
	Description        string `yaml:"description,omitempty" env:"DESCRIPTION"`
	MetadataVersionOID string `yaml:"metadata_version_oid,omitempty" env:"METADATA_VERSION_OID"`
	Seed               int64  `yaml:"seed" env:"SEED"`
}

// SimulatorConfig controls ticking.
type SimulatorConfig struct {
	IntervalMS          int64   `yaml:"interval_ms" env:"INTERVAL_MS"`
	BatchPercentage     float64 `yaml:"batch_percentage" env:"BATCH_PERCENTAGE"`
	SpeedFactor         float64 `yaml:"speed_factor" env:"SPEED_FACTOR"`
	InactiveProbability float64 `yaml:"inactive_probability" env:"INACTIVE_PROBABILITY"`
	FreshSeed           bool    `yaml:"fresh_seed" env:"FRESH_SEED"`
}

// StructureConfig sizes the roster.
type StructureConfig struct {
	Sites             int      `yaml:"sites" env:"SITES"`
	SubjectsPerSite   int      `yaml:"subjects_per_site" env:"SUBJECTS_PER_SITE"`
	ProgressIncrement int      `yaml:"progress_increment" env:"PROGRESS_INCREMENT"`
	SiteNames         []string `yaml:"site_names,omitempty" env:"SITE_NAMES"`
}

// FormConfig names a form.
type FormConfig struct {
	OID  string `yaml:"oid"`
	Name string `yaml:"name"`
}

// TemplateConfig is one visit template.
type TemplateConfig struct {
	Name      string       `yaml:"name"`
	DayOffset float64      `yaml:"day_offset"`
	Forms     []FormConfig `yaml:"forms"`
}

// ProbabilitiesConfig holds outcome probabilities in [0,1].
type ProbabilitiesConfig struct {
	Missed  float64 `yaml:"missed" env:"MISSED"`
	Delayed float64 `yaml:"delayed" env:"DELAYED"`
	Partial float64 `yaml:"partial" env:"PARTIAL"`
}

// DelayConfig bounds the sampled delay in milliseconds.
type DelayConfig struct {
	Min int64 `yaml:"min" env:"MIN"`
	Max int64 `yaml:"max" env:"MAX"`
}

// VisitsConfig describes the visit schedule and outcome odds.
type VisitsConfig struct {
	Templates     []TemplateConfig    `yaml:"templates"`
	Probabilities ProbabilitiesConfig `yaml:"probabilities" envPrefix:"PROBABILITIES_"`
	DelayMS       DelayConfig         `yaml:"delay_ms" envPrefix:"DELAY_MS_"`
	DaysBetween   DaysBetween         `yaml:"days_between,omitempty"`
}

// AuditConfig controls audit generation and paging.
type AuditConfig struct {
	User           string   `yaml:"user" env:"USER"`
	FieldOIDs      []string `yaml:"field_oids" env:"FIELD_OIDS"`
	PerPageDefault int      `yaml:"per_page_default" env:"PER_PAGE_DEFAULT"`
}

// RangeConfig bounds a number rule.
type RangeConfig struct {
	Min *int `yaml:"min"`
	Max *int `yaml:"max"`
}

// RuleConfig is the loosely typed form of a value rule.
type RuleConfig struct {
	Type    string       `yaml:"type"`
	Enum    []string     `yaml:"enum,omitempty"`
	Range   *RangeConfig `yaml:"range,omitempty"`
	Pattern string       `yaml:"pattern,omitempty"`
}

// ValuesConfig binds value rules to field OIDs.
type ValuesConfig struct {
	Rules map[string]RuleConfig `yaml:"rules"`
}

// RedisConfig locates the redis snapshot backend.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password,omitempty" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// S3Config locates an S3-compatible bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	Prefix          string `yaml:"prefix,omitempty" env:"PREFIX"`
	Endpoint        string `yaml:"endpoint,omitempty" env:"ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" env:"SECRET_ACCESS_KEY"`
	PathStyle       bool   `yaml:"path_style" env:"PATH_STYLE"`
}

// BlobConfig selects a blob backend.
type BlobConfig struct {
	Driver string   `yaml:"driver" env:"DRIVER"`
	Root   string   `yaml:"root" env:"ROOT"`
	S3     S3Config `yaml:"s3" envPrefix:"S3_"`
}

// PersistenceConfig selects the snapshot store.
type PersistenceConfig struct {
	Enabled     bool        `yaml:"enabled" env:"ENABLED"`
	Driver      string      `yaml:"driver" env:"DRIVER"`
	Path        string      `yaml:"path" env:"PATH"`
	SQLitePath  string      `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN string      `yaml:"postgres_dsn,omitempty" env:"POSTGRES_DSN"`
	Redis       RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
	Blob        BlobConfig  `yaml:"blob" envPrefix:"BLOB_"`
}

// ExportConfig configures the document archive.
type ExportConfig struct {
	Prefix           string     `yaml:"prefix" env:"PREFIX"`
	URLExpirySeconds int        `yaml:"url_expiry_seconds" env:"URL_EXPIRY_SECONDS"`
	Blob             BlobConfig `yaml:"blob" envPrefix:"BLOB_"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level     string `yaml:"level" env:"LEVEL"`
	Format    string `yaml:"format" env:"FORMAT"`
	Simulator bool   `yaml:"simulator" env:"SIMULATOR"`
	Generator bool   `yaml:"generator" env:"GENERATOR"`
}

// ServiceConfig controls the HTTP surface.
type ServiceConfig struct {
	Addr    string `yaml:"addr" env:"ADDR"`
	Version string `yaml:"version" env:"VERSION"`
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	Metrics      bool   `yaml:"metrics" env:"METRICS"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the configuration used when nothing is supplied.
func Default() Config {
	return Config{
		Version: SchemaVersion,
		Study: StudyConfig{
			OID:                "Mediflex(Prod)",
			Name:               "Mediflex",
			MetadataVersionOID: "1",
			Seed:               12345,
		},
		Simulator: SimulatorConfig{
			BatchPercentage:     25,
			SpeedFactor:         1,
			InactiveProbability: 0.1,
		},
		Structure: StructureConfig{Sites: 1, SubjectsPerSite: 5, ProgressIncrement: 10},
		Visits: VisitsConfig{
			Templates: []TemplateConfig{{
				Name:  "Demographics",
				Forms: []FormConfig{{OID: "DM", Name: "Demographics"}},
			}},
		},
		Audit: AuditConfig{User: "raveuser", FieldOIDs: []string{"DM.SEX"}, PerPageDefault: 500},
		Values: ValuesConfig{Rules: map[string]RuleConfig{
			"DM.SEX": {Type: "enum", Enum: []string{"M", "F"}},
		}},
		Persistence: PersistenceConfig{
			Driver:     "file",
			Path:       "data/{study}.json",
			SQLitePath: "data/ravesim.db",
			Redis:      RedisConfig{Addr: "localhost:6379", Namespace: "ravesim"},
			Blob:       BlobConfig{Driver: "fs", Root: "data/blobs"},
		},
		Export: ExportConfig{
			Prefix:           "exports",
			URLExpirySeconds: 900,
			Blob:             BlobConfig{Driver: "fs", Root: "data/exports"},
		},
		Logging:       LoggingConfig{Level: "info", Format: "text"},
		Service:       ServiceConfig{Addr: ":8080"},
		Observability: ObservabilityConfig{Metrics: true, ServiceName: "ravesim"},
	}
}

// Load builds the effective configuration. An empty path skips the file
// layer. The result is normalized and validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Decode(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode overlays YAML onto cfg. Keys not present keep their current values;
// a supplied values.rules map replaces the default rules instead of merging.
func Decode(raw []byte, cfg *Config) error {
	var shape struct {
		Values *yaml.Node `yaml:"values"`
	}
	if err := yaml.Unmarshal(raw, &shape); err != nil {
		return err
	}
	if shape.Values != nil && hasKey(shape.Values, "rules") {
		cfg.Values.Rules = nil
	}
	return yaml.Unmarshal(raw, cfg)
}

func hasKey(n *yaml.Node, key string) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return true
		}
	}
	return false
}

// ApplyEnv overlays RAVESIM_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ErrUnsupportedVersion reports a configuration written for another layout.
var ErrUnsupportedVersion = errors.New("unsupported config version")
