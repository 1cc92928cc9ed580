// Package config loads the platform configuration: YAML file first,
// environment overrides second, shipped defaults underneath. Every
// threshold and timeout the pipeline uses is overridable here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/gateway"
	"github.com/aevion/shield/internal/metering"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	HITL      HITLConfig      `yaml:"hitl"`
	Models    ModelsConfig    `yaml:"models"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	Metering  MeteringConfig  `yaml:"metering"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type ConsensusConfig struct {
	MinVotes       int                `yaml:"min_votes"`
	SigmaVar       float64            `yaml:"sigma_var"`
	HaltThresholds map[string]float64 `yaml:"halt_thresholds"`
}

type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	QueueDepth    int           `yaml:"queue_depth"`
	StageTimeouts StageTimeouts `yaml:"stage_timeouts"`

	// MandatoryReview lists domains whose claims always stop at the
	// review gate regardless of risk.
	MandatoryReview []string `yaml:"mandatory_review"`
}

type StageTimeouts struct {
	Sanitize time.Duration `yaml:"sanitize"`
	Embed    time.Duration `yaml:"embed"`
	Search   time.Duration `yaml:"search"`
	Verify   time.Duration `yaml:"verify"`
	Detect   time.Duration `yaml:"detect"`
	Sign     time.Duration `yaml:"sign"`
}

type HITLConfig struct {
	Deadline      time.Duration `yaml:"deadline"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type ModelsConfig struct {
	Endpoints   []gateway.ModelEndpoint `yaml:"endpoints"`
	EmbedderURL string                  `yaml:"embedder_url"`
	Concurrency int                     `yaml:"concurrency"`
	CallTimeout time.Duration           `yaml:"call_timeout"`
}

type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	VectorURL   string `yaml:"vector_url"`
	SigningKey  string `yaml:"signing_key"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type MeteringConfig struct {
	Plans map[string]metering.Plan `yaml:"plans"`
}

type AuthConfig struct {
	APIKeys      []string `yaml:"api_keys"`
	ReviewerKeys []string `yaml:"reviewer_keys"`
	ModelKeys    []string `yaml:"model_keys"`

	// KeyPlans binds API keys to their billing identity. Submissions are
	// metered on the key's plan; body-supplied tenant or tier is ignored.
	KeyPlans map[string]KeyPlan `yaml:"key_plans"`
}

type KeyPlan struct {
	Tenant string `yaml:"tenant"`
	Tier   string `yaml:"tier"`
}

// Default returns the shipped configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Consensus: ConsensusConfig{
			MinVotes: 3,
			SigmaVar: 0.25,
		},
		Pipeline: PipelineConfig{
			Workers:    8,
			QueueDepth: 256,
			StageTimeouts: StageTimeouts{
				Sanitize: 30 * time.Second,
				Embed:    60 * time.Second,
				Search:   30 * time.Second,
				Verify:   120 * time.Second,
				Detect:   60 * time.Second,
				Sign:     30 * time.Second,
			},
		},
		HITL: HITLConfig{
			Deadline:      7 * 24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Models: ModelsConfig{
			Concurrency: gateway.DefaultConcurrency,
			CallTimeout: gateway.DefaultCallTimeout,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; the environment
// alone can configure a deployment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "SHIELD_PORT")
	setString(&c.Server.Env, "SHIELD_ENV")
	setString(&c.Storage.PostgresDSN, "DATABASE_URL")
	setString(&c.Storage.RedisAddr, "REDIS_ADDR")
	setInt(&c.Storage.RedisDB, "REDIS_DB")
	setString(&c.Storage.VectorURL, "VECTOR_INDEX_URL")
	setString(&c.Storage.SigningKey, "SHIELD_SIGNING_KEY")
	setString(&c.Models.EmbedderURL, "MODEL_EMBEDDER_URL")
	setInt(&c.Models.Concurrency, "MODEL_CONCURRENCY")
	setDuration(&c.Models.CallTimeout, "MODEL_CALL_TIMEOUT")
	setString(&c.Events.PubSubProject, "PUBSUB_PROJECT")
	setString(&c.Events.PubSubTopic, "PUBSUB_TOPIC")
	setInt(&c.Consensus.MinVotes, "CONSENSUS_MIN_VOTES")
	setFloat(&c.Consensus.SigmaVar, "CONSENSUS_SIGMA_VAR")
	setDuration(&c.HITL.Deadline, "HITL_DEADLINE")
	setList(&c.Auth.APIKeys, "SHIELD_API_KEYS")
	setList(&c.Auth.ReviewerKeys, "SHIELD_REVIEWER_KEYS")
	setList(&c.Auth.ModelKeys, "SHIELD_MODEL_KEYS")
}

// MandatoryReviewDomains converts the configured list onto domain keys.
func (c *Config) MandatoryReviewDomains() map[core.Domain]bool {
	if len(c.Pipeline.MandatoryReview) == 0 {
		return nil
	}
	out := make(map[core.Domain]bool, len(c.Pipeline.MandatoryReview))
	for _, d := range c.Pipeline.MandatoryReview {
		out[core.Domain(d)] = true
	}
	return out
}

// HaltThresholds converts the YAML map onto domain keys, falling back to
// the shipped per-domain defaults.
func (c *Config) HaltThresholds() map[core.Domain]float64 {
	out := make(map[core.Domain]float64, len(core.DefaultHaltThresholds))
	for d, v := range core.DefaultHaltThresholds {
		out[d] = v
	}
	for name, v := range c.Consensus.HaltThresholds {
		out[core.Domain(name)] = v
	}
	return out
}

// MeteringPlans converts configured plans onto tier keys; nil when none
// are configured so the meter uses its defaults.
func (c *Config) MeteringPlans() map[metering.Tier]metering.Plan {
	if len(c.Metering.Plans) == 0 {
		return nil
	}
	out := make(map[metering.Tier]metering.Plan, len(c.Metering.Plans))
	for name, p := range c.Metering.Plans {
		p.Tier = metering.Tier(name)
		out[p.Tier] = p
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.Split(v, ",")
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
