package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full service configuration. Every section carries
// defaults so an empty file yields a runnable dev setup on the
// in-memory store.
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Store    StoreConfig    `json:"store"`
	Redis    RedisConfig    `json:"redis"`
	Travel   TravelConfig   `json:"travel"`
	Dispatch DispatchConfig `json:"dispatch"`
	Sync     SyncConfig     `json:"sync"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Webhook  WebhookConfig  `json:"webhook"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

func (c *HTTPConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

type StoreConfig struct {
	// DSN selects Postgres when set; empty runs the in-memory store.
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	// URL enables the Redis event broker and travel cache when set.
	URL string `json:"url"`
}

type TravelConfig struct {
	// ProviderURL is the external routing provider endpoint. Empty
	// selects the deterministic haversine estimator.
	ProviderURL    string        `json:"providerUrl"`
	TimeoutSec     int           `json:"timeoutSec"`
	MaxAttempts    int           `json:"maxAttempts"`
	BackoffInitial time.Duration `json:"-"`
	FallbackKph    float64       `json:"fallbackKph"`
	CacheTTLMin    int           `json:"cacheTtlMin"`
	RatePerSec     float64       `json:"ratePerSec"`
}

func (c *TravelConfig) SetDefaults() {
	if c.TimeoutSec <= 0 {
		c.TimeoutSec = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 200 * time.Millisecond
	}
	if c.FallbackKph <= 0 {
		c.FallbackKph = 35
	}
	if c.CacheTTLMin <= 0 {
		c.CacheTTLMin = 10
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
}

func (c TravelConfig) Validate() error {
	if c.CacheTTLMin < 5 || c.CacheTTLMin > 15 {
		return fmt.Errorf("cacheTtlMin must be within [5,15], got %d", c.CacheTTLMin)
	}
	return nil
}

type DispatchConfig struct {
	// Scoring weights; must sum to 1.
	SkillWeight       float64 `json:"skillWeight"`
	TravelWeight      float64 `json:"travelWeight"`
	WorkloadWeight    float64 `json:"workloadWeight"`
	HistoryWeight     float64 `json:"historyWeight"`
	LocationAgeWeight float64 `json:"locationAgeWeight"`

	TravelCeilingMin    int `json:"travelCeilingMin"`
	LocationStaleMin    int `json:"locationStaleMin"`
	ScoreWorkers        int `json:"scoreWorkers"`
	CommitRetries       int `json:"commitRetries"`
	IndexRebuildMin     int `json:"indexRebuildMin"`
	RouteRefreshMin     int `json:"routeRefreshMin"`
	ServiceAreaRadiusKm int `json:"serviceAreaRadiusKm"`
}

func (c *DispatchConfig) SetDefaults() {
	if c.SkillWeight == 0 && c.TravelWeight == 0 && c.WorkloadWeight == 0 && c.HistoryWeight == 0 && c.LocationAgeWeight == 0 {
		c.SkillWeight = 0.40
		c.TravelWeight = 0.25
		c.WorkloadWeight = 0.20
		c.HistoryWeight = 0.10
		c.LocationAgeWeight = 0.05
	}
	if c.TravelCeilingMin <= 0 {
		c.TravelCeilingMin = 60
	}
	if c.LocationStaleMin <= 0 {
		c.LocationStaleMin = 30
	}
	if c.ScoreWorkers <= 0 {
		c.ScoreWorkers = 8
	}
	if c.CommitRetries <= 0 {
		c.CommitRetries = 3
	}
	if c.IndexRebuildMin <= 0 {
		c.IndexRebuildMin = 3
	}
	if c.RouteRefreshMin <= 0 {
		c.RouteRefreshMin = 10
	}
	if c.ServiceAreaRadiusKm <= 0 {
		c.ServiceAreaRadiusKm = 80
	}
}

func (c DispatchConfig) Validate() error {
	sum := c.SkillWeight + c.TravelWeight + c.WorkloadWeight + c.HistoryWeight + c.LocationAgeWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("scoring weights must sum to 1, got %.3f", sum)
	}
	return nil
}

type SyncConfig struct {
	MaxAttempts    int           `json:"maxAttempts"`
	BackoffInitial time.Duration `json:"-"`
	Workers        int           `json:"workers"`
}

func (c *SyncConfig) SetDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 200 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

type MQTTConfig struct {
	// Broker enables assignment push when set, e.g. tcp://host:1883.
	Broker      string `json:"broker"`
	ClientID    string `json:"clientId"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topicPrefix"`
	QoS         byte   `json:"qos"`
}

func (c *MQTTConfig) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "fieldops-api"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "fieldops"
	}
	if c.QoS > 2 {
		c.QoS = 1
	}
}

type WebhookConfig struct {
	MaxAttempts int `json:"maxAttempts"`
}

func (c *WebhookConfig) SetDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// Load reads a yaml or json config file and applies FIELDOPS_ env
// overrides (FIELDOPS_HTTP__ADDR -> http.addr).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = kyaml.Parser()
		case ".json":
			parser = kjson.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", path)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider("FIELDOPS_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "fieldops_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.HTTP.SetDefaults()
	cfg.Travel.SetDefaults()
	cfg.Dispatch.SetDefaults()
	cfg.Sync.SetDefaults()
	cfg.MQTT.SetDefaults()
	cfg.Webhook.SetDefaults()
	if err := cfg.Travel.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Dispatch.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration produced by an empty file.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}
