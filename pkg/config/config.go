package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "FACTORYBENCH"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultRunDir is the default directory for persisted run documents.
	DefaultRunDir = "runs"

	// DefaultDailyCostLimit is the default spend cap (USD) across all runs
	// started on the same UTC day.
	DefaultDailyCostLimit = 10.0

	// DefaultRunCostLimit is the default spend cap (USD) for a single run.
	DefaultRunCostLimit = 2.0

	// DefaultAzureAPIVersion is used when no Azure API version is configured.
	DefaultAzureAPIVersion = "2024-10-21"

	// DefaultHuggingFaceURL is the dataset rows endpoint of the Hugging Face hub.
	DefaultHuggingFaceURL = "https://datasets-server.huggingface.co"

	// DefaultRequestTimeout bounds a single provider request.
	DefaultRequestTimeout = "120s"

	// DefaultPresignExpiry is the validity of presigned run download URLs.
	DefaultPresignExpiry = "1h"
)

// Config is the root configuration for factorybench.
type Config struct {
	Global    GlobalConfig           `yaml:"global" mapstructure:"global"`
	Limits    LimitsConfig           `yaml:"limits" mapstructure:"limits"`
	Providers ProvidersConfig        `yaml:"providers" mapstructure:"providers"`
	Pricing   map[string]PriceConfig `yaml:"pricing,omitempty" mapstructure:"pricing"`
	Datasets  []DatasetConfig        `yaml:"datasets,omitempty" mapstructure:"datasets"`
	Models    []ModelConfig          `yaml:"models,omitempty" mapstructure:"models"`
	API       *APIConfig             `yaml:"api,omitempty" mapstructure:"api"`
	Upload    *UploadConfig          `yaml:"upload,omitempty" mapstructure:"upload"`
}

// GlobalConfig contains global application settings. ResultsOwner is an
// optional UID:GID applied to every written run file.
type GlobalConfig struct {
	LogLevel     string `yaml:"log_level" mapstructure:"log_level"`
	RunDir       string `yaml:"run_dir" mapstructure:"run_dir"`
	ResultsOwner string `yaml:"results_owner,omitempty" mapstructure:"results_owner"`
}

// LimitsConfig holds the spend caps in USD. A cap of zero or less disables it.
type LimitsConfig struct {
	DailyCostLimit float64 `yaml:"daily_cost_limit" mapstructure:"daily_cost_limit"`
	RunCostLimit   float64 `yaml:"run_cost_limit" mapstructure:"run_cost_limit"`
}

// ProvidersConfig holds credentials for model and dataset providers.
type ProvidersConfig struct {
	OpenAI         OpenAIConfig      `yaml:"openai" mapstructure:"openai"`
	Azure          AzureConfig       `yaml:"azure" mapstructure:"azure"`
	HuggingFace    HuggingFaceConfig `yaml:"huggingface" mapstructure:"huggingface"`
	RequestTimeout string            `yaml:"request_timeout,omitempty" mapstructure:"request_timeout"`
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL string `yaml:"base_url,omitempty" mapstructure:"base_url"`
}

// AzureConfig configures the Azure OpenAI adapter.
type AzureConfig struct {
	Endpoint   string `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	APIKey     string `yaml:"api_key,omitempty" mapstructure:"api_key"`
	APIVersion string `yaml:"api_version,omitempty" mapstructure:"api_version"`
}

// HuggingFaceConfig configures dataset loading from the Hugging Face hub.
type HuggingFaceConfig struct {
	Token   string `yaml:"token,omitempty" mapstructure:"token"`
	BaseURL string `yaml:"base_url,omitempty" mapstructure:"base_url"`
}

// PriceConfig is a per-model token price in USD per 1000 tokens.
type PriceConfig struct {
	InputPer1K  float64 `yaml:"input_per_1k" mapstructure:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" mapstructure:"output_per_1k" json:"output_per_1k"`
}

// DatasetConfig is a dataset registry entry.
type DatasetConfig struct {
	ID          string `yaml:"id" mapstructure:"id" json:"id"`
	Name        string `yaml:"name" mapstructure:"name" json:"name"`
	Stage       string `yaml:"stage,omitempty" mapstructure:"stage" json:"stage"`
	Source      string `yaml:"source" mapstructure:"source" json:"source"`
	FixturePath string `yaml:"fixture_path,omitempty" mapstructure:"fixture_path" json:"fixture_path,omitempty"`
	HFSlug      string `yaml:"hf_slug,omitempty" mapstructure:"hf_slug" json:"hf_slug,omitempty"`
	Split       string `yaml:"split,omitempty" mapstructure:"split" json:"split"`

	// DeriveStatistics computes missing ground truth from the values.
	DeriveStatistics bool `yaml:"derive_statistics,omitempty" mapstructure:"derive_statistics" json:"derive_statistics,omitempty"`
}

// ModelConfig is a model registry entry.
type ModelConfig struct {
	ID       string `yaml:"id" mapstructure:"id" json:"id"`
	Name     string `yaml:"name" mapstructure:"name" json:"name"`
	Provider string `yaml:"provider" mapstructure:"provider" json:"provider"`
}

// UploadConfig contains settings for mirroring run documents to remote storage.
type UploadConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3 upload settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
	PresignExpiry   string `yaml:"presign_expiry,omitempty" mapstructure:"presign_expiry"`
}

// legacyEnv maps config keys to additional, unprefixed environment variables.
var legacyEnv = map[string][]string{
	"global.run_dir":                 {"FACTORYBENCH_RUN_DIR"},
	"providers.openai.api_key":       {"OPENAI_API_KEY"},
	"providers.azure.endpoint":       {"AZURE_OPENAI_ENDPOINT"},
	"providers.azure.api_key":        {"AZURE_OPENAI_API_KEY"},
	"providers.azure.api_version":    {"AZURE_OPENAI_API_VERSION"},
	"providers.huggingface.token":    {"HF_API_TOKEN"},
	"providers.huggingface.base_url": {"HF_DATASETS_SERVER_URL"},
	"limits.daily_cost_limit":        {"FACTORYBENCH_DAILY_COST_LIMIT"},
	"limits.run_cost_limit":          {"FACTORYBENCH_RUN_COST_LIMIT"},
	"upload.s3.access_key_id":        {"AWS_ACCESS_KEY_ID"},
	"upload.s3.secret_access_key":    {"AWS_SECRET_ACCESS_KEY"},
}

// Load reads the configuration file at path (optional) and applies
// FACTORYBENCH_<SECTION>_<KEY> environment overrides on top of it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("limits.daily_cost_limit", DefaultDailyCostLimit)
	v.SetDefault("limits.run_cost_limit", DefaultRunCostLimit)

	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// bindEnvs registers every leaf key of t with viper so environment
// variables are honoured even when the key is absent from the file.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := field.Type
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}

		if ft.Kind() == reflect.Struct {
			bindEnvs(v, ft, key)

			continue
		}

		names := []string{key, envName(key)}
		names = append(names, legacyEnv[key]...)

		_ = v.BindEnv(names...)
	}
}

// envName returns the prefixed environment variable name for a config key.
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.RunDir == "" {
		c.Global.RunDir = DefaultRunDir
	}

	if c.Providers.Azure.APIVersion == "" {
		c.Providers.Azure.APIVersion = DefaultAzureAPIVersion
	}

	if c.Providers.HuggingFace.BaseURL == "" {
		c.Providers.HuggingFace.BaseURL = DefaultHuggingFaceURL
	}

	if c.Providers.RequestTimeout == "" {
		c.Providers.RequestTimeout = DefaultRequestTimeout
	}

	if len(c.Datasets) == 0 {
		c.Datasets = DefaultDatasets()
	}

	for i := range c.Datasets {
		if c.Datasets[i].Split == "" {
			c.Datasets[i].Split = "train"
		}

		if c.Datasets[i].Stage == "" {
			c.Datasets[i].Stage = "telemetry_literacy"
		}
	}

	if len(c.Models) == 0 {
		c.Models = DefaultModels()
	}

	if c.Upload != nil && c.Upload.S3 != nil && c.Upload.S3.PresignExpiry == "" {
		c.Upload.S3.PresignExpiry = DefaultPresignExpiry
	}

	if c.API != nil {
		c.API.applyDefaults()
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Global.RunDir == "" {
		return fmt.Errorf("global.run_dir is required")
	}

	seenDatasets := make(map[string]struct{}, len(c.Datasets))

	for i, ds := range c.Datasets {
		if ds.ID == "" {
			return fmt.Errorf("dataset %d: id is required", i)
		}

		if _, exists := seenDatasets[ds.ID]; exists {
			return fmt.Errorf("dataset %d: duplicate id %q", i, ds.ID)
		}

		seenDatasets[ds.ID] = struct{}{}

		switch ds.Source {
		case "local":
			if ds.FixturePath == "" {
				return fmt.Errorf("dataset %q: fixture_path is required for local source", ds.ID)
			}
		case "hf":
			if ds.HFSlug == "" {
				return fmt.Errorf("dataset %q: hf_slug is required for hf source", ds.ID)
			}
		default:
			return fmt.Errorf("dataset %q: unknown source %q", ds.ID, ds.Source)
		}
	}

	seenModels := make(map[string]struct{}, len(c.Models))

	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model %d: id is required", i)
		}

		if _, exists := seenModels[m.ID]; exists {
			return fmt.Errorf("model %d: duplicate id %q", i, m.ID)
		}

		seenModels[m.ID] = struct{}{}
	}

	for model, price := range c.Pricing {
		if price.InputPer1K < 0 || price.OutputPer1K < 0 {
			return fmt.Errorf("pricing %q: rates must not be negative", model)
		}
	}

	if c.Upload != nil && c.Upload.S3 != nil && c.Upload.S3.Enabled {
		if c.Upload.S3.Bucket == "" {
			return fmt.Errorf("upload.s3.bucket is required when s3 upload is enabled")
		}

		if d, err := time.ParseDuration(c.Upload.S3.PresignExpiry); err != nil || d <= 0 {
			return fmt.Errorf("upload.s3.presign_expiry: invalid duration %q", c.Upload.S3.PresignExpiry)
		}
	}

	return nil
}

// S3UploadEnabled reports whether run documents should be mirrored to S3.
func (c *Config) S3UploadEnabled() bool {
	return c.Upload != nil && c.Upload.S3 != nil && c.Upload.S3.Enabled
}

// GetDataset returns the registry entry with the given id.
func (c *Config) GetDataset(id string) (*DatasetConfig, bool) {
	for i := range c.Datasets {
		if c.Datasets[i].ID == id {
			return &c.Datasets[i], true
		}
	}

	return nil, false
}

// DatasetIDs returns the registered dataset ids in registry order.
func (c *Config) DatasetIDs() []string {
	ids := make([]string, 0, len(c.Datasets))
	for _, ds := range c.Datasets {
		ids = append(ids, ds.ID)
	}

	return ids
}

// DefaultDatasets returns the built-in dataset registry.
func DefaultDatasets() []DatasetConfig {
	return []DatasetConfig{
		{
			ID:          "local_basic",
			Name:        "Basic Statistics (10 samples)",
			Source:      "local",
			FixturePath: "datasets/basic_statistics.json",
		},
		{
			ID:          "local_step_functions",
			Name:        "Step Functions (15 samples)",
			Source:      "local",
			FixturePath: "datasets/step_functions.json",
		},
		{
			ID:          "local_patterns",
			Name:        "Pattern Recognition (12 samples)",
			Source:      "local",
			FixturePath: "datasets/pattern_recognition.json",
		},
		{
			ID:     "hf_factoryset",
			Name:   "FS-TL v0.1 (50k samples)",
			Source: "hf",
			HFSlug: "Forgis/FactorySet",
		},
	}
}

// DefaultModels returns the built-in model registry.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{ID: "mock", Name: "Mock Adapter", Provider: "local"},
		{ID: "azure:gpt-4o", Name: "GPT-4o (Azure)", Provider: "azure"},
		{ID: "azure:gpt-4o-mini", Name: "GPT-4o Mini (Azure)", Provider: "azure"},
		{ID: "azure:gpt-5", Name: "GPT-5 Global", Provider: "azure"},
		{ID: "azure:o3-2025-04-16", Name: "o3 2025-04-16", Provider: "azure"},
		{ID: "azure:o4-mini-2025-04-16", Name: "o4-mini 2025-04-16", Provider: "azure"},
		{ID: "azure:gpt-5-nano", Name: "GPT-5-nano", Provider: "azure"},
	}
}

// redactedValue replaces secrets in Redacted output.
const redactedValue = "REDACTED"

// Redacted returns a copy of c with credentials replaced, suitable for
// printing. Sections shared by pointer are copied before redaction.
func (c *Config) Redacted() *Config {
	out := *c

	redact(&out.Providers.OpenAI.APIKey)
	redact(&out.Providers.Azure.APIKey)
	redact(&out.Providers.HuggingFace.Token)

	if c.Upload != nil && c.Upload.S3 != nil {
		s3 := *c.Upload.S3
		redact(&s3.AccessKeyID)
		redact(&s3.SecretAccessKey)

		out.Upload = &UploadConfig{S3: &s3}
	}

	if c.API != nil {
		api := *c.API

		api.Auth.Basic.Users = make([]BasicAuthUser, len(c.API.Auth.Basic.Users))
		for i, u := range c.API.Auth.Basic.Users {
			redact(&u.Password)
			api.Auth.Basic.Users[i] = u
		}

		if c.API.Indexing != nil {
			indexing := *c.API.Indexing
			redact(&indexing.Database.Postgres.Password)

			api.Indexing = &indexing
		}

		out.API = &api
	}

	return &out
}

func redact(s *string) {
	if *s != "" {
		*s = redactedValue
	}
}
