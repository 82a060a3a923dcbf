package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Settings   SettingsConfig   `mapstructure:"settings"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Bots       BotsConfig       `mapstructure:"bots"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ProvidersConfig struct {
	Default   string          `mapstructure:"default"`
	Endpoints []ModelEndpoint `mapstructure:"endpoints"`
}

// ModelEndpoint is one completion backend. Type is custom, openai or anthropic.
type ModelEndpoint struct {
	Name        string        `mapstructure:"name"`
	DisplayName string        `mapstructure:"display_name"`
	Type        string        `mapstructure:"type"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Models      []ModelInfo   `mapstructure:"models"`
}

type ModelInfo struct {
	ID            string `mapstructure:"id"`
	Name          string `mapstructure:"name"`
	MaxTokens     int    `mapstructure:"max_tokens"`
	ContextLength int    `mapstructure:"context_length"`
}

type EngineConfig struct {
	Queue        QueueConfig        `mapstructure:"queue"`
	Context      ContextConfig      `mapstructure:"context"`
	Prompt       PromptConfig       `mapstructure:"prompt"`
	Decision     DecisionConfig     `mapstructure:"decision"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
}

type QueueConfig struct {
	MaxConcurrent     int             `mapstructure:"max_concurrent"`
	MaxQueueSize      int             `mapstructure:"max_queue_size"`
	RateLimitDelay    time.Duration   `mapstructure:"rate_limit_delay"`
	BackoffFactor     float64         `mapstructure:"backoff_factor"`
	MaxRateLimitDelay time.Duration   `mapstructure:"max_rate_limit_delay"`
	RetryDelays       []time.Duration `mapstructure:"retry_delays"`
	DirectTimeout     time.Duration   `mapstructure:"direct_timeout"`
}

type ContextConfig struct {
	Tokenizer            string  `mapstructure:"tokenizer"`
	Encoding             string  `mapstructure:"encoding"`
	CharsPerToken        float64 `mapstructure:"chars_per_token"`
	UserMessageReserve   int     `mapstructure:"user_message_reserve"`
	ResponseReserve      int     `mapstructure:"response_reserve"`
	Utilization          float64 `mapstructure:"utilization"`
	DefaultContextLength int     `mapstructure:"default_context_length"`
	MaxHistory           int     `mapstructure:"max_history"`
}

type PromptConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	PrefixLength int           `mapstructure:"prefix_length"`
	Note         string        `mapstructure:"note"`
}

type DecisionConfig struct {
	ResponderCap        int      `mapstructure:"responder_cap"`
	QuestionProbability float64  `mapstructure:"question_probability"`
	RandomProbability   float64  `mapstructure:"random_probability"`
	QuestionWords       []string `mapstructure:"question_words"`
}

type OrchestratorConfig struct {
	TypingStagger      time.Duration `mapstructure:"typing_stagger"`
	DeliveryStagger    time.Duration `mapstructure:"delivery_stagger"`
	TypingPause        time.Duration `mapstructure:"typing_pause"`
	UserPriority       int           `mapstructure:"user_priority"`
	AutonomousPriority int           `mapstructure:"autonomous_priority"`
	StripThinking      bool          `mapstructure:"strip_thinking"`
	Language           string        `mapstructure:"language"`
}

type SchedulerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	BaseInterval        time.Duration `mapstructure:"base_interval"`
	InactivityThreshold time.Duration `mapstructure:"inactivity_threshold"`
	SkipProbability     float64       `mapstructure:"skip_probability"`
}

type SettingsConfig struct {
	Defaults models.GenerationSettings `mapstructure:"defaults"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	File   FileConfig   `mapstructure:"file"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Badger BadgerConfig `mapstructure:"badger"`
}

type FileConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

type BotsConfig struct {
	File string `mapstructure:"file"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	Output string        `mapstructure:"output"`
	File   LogFileConfig `mapstructure:"file"`
}

type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
}

// setDefaults registers a default for every engine knob
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("engine.queue.max_concurrent", 3)
	v.SetDefault("engine.queue.max_queue_size", 50)
	v.SetDefault("engine.queue.rate_limit_delay", time.Second)
	v.SetDefault("engine.queue.backoff_factor", 1.5)
	v.SetDefault("engine.queue.max_rate_limit_delay", 10*time.Second)
	v.SetDefault("engine.queue.retry_delays", []string{"1s", "3s", "10s"})
	v.SetDefault("engine.queue.direct_timeout", 30*time.Second)

	v.SetDefault("engine.context.tokenizer", "chars")
	v.SetDefault("engine.context.encoding", "cl100k_base")
	v.SetDefault("engine.context.chars_per_token", 4.0)
	v.SetDefault("engine.context.user_message_reserve", 100)
	v.SetDefault("engine.context.response_reserve", 512)
	v.SetDefault("engine.context.utilization", 0.8)
	v.SetDefault("engine.context.default_context_length", 4096)
	v.SetDefault("engine.context.max_history", 50)

	v.SetDefault("engine.prompt.cache_ttl", 5*time.Minute)
	v.SetDefault("engine.prompt.prefix_length", 100)

	v.SetDefault("engine.decision.responder_cap", 2)
	v.SetDefault("engine.decision.question_probability", 0.15)
	v.SetDefault("engine.decision.random_probability", 0.05)

	v.SetDefault("engine.orchestrator.typing_stagger", 200*time.Millisecond)
	v.SetDefault("engine.orchestrator.delivery_stagger", 1500*time.Millisecond)
	v.SetDefault("engine.orchestrator.typing_pause", 500*time.Millisecond)
	v.SetDefault("engine.orchestrator.user_priority", 0)
	v.SetDefault("engine.orchestrator.autonomous_priority", -5)
	v.SetDefault("engine.orchestrator.strip_thinking", true)

	v.SetDefault("engine.scheduler.enabled", true)
	v.SetDefault("engine.scheduler.base_interval", 60*time.Second)
	v.SetDefault("engine.scheduler.inactivity_threshold", 120*time.Second)
	v.SetDefault("engine.scheduler.skip_probability", 0.5)

	v.SetDefault("settings.defaults.temperature", 0.8)
	v.SetDefault("settings.defaults.top_p", 0.9)
	v.SetDefault("settings.defaults.top_k", -1)
	v.SetDefault("settings.defaults.frequency_penalty", 0.0)
	v.SetDefault("settings.defaults.presence_penalty", 0.0)
	v.SetDefault("settings.defaults.repetition_penalty", 1.0)
	v.SetDefault("settings.defaults.min_p", 0.0)

	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.file.path", "data/settings.yaml")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.key", "generation_settings")
	v.SetDefault("storage.badger.dir", "data/badger")

	v.SetDefault("bots.file", "configs/bots.yaml")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 20)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en", "zh"})
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Enable environment variable substitution
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.BindEnv("server.port", "PORT")
	v.BindEnv("storage.redis.addr", "REDIS_ADDR")
	v.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.redis.db", "REDIS_DB")
	v.BindEnv("providers.default", "DEFAULT_MODEL")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.Providers.Endpoints = append(config.Providers.Endpoints, endpointsFromEnv()...)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// endpointsFromEnv expands CUSTOM_ENDPOINTS=a,b into endpoints configured by
// A_BASE_URL, A_API_KEY, A_TYPE, A_MODELS (id[:name[:context_length]],...)
func endpointsFromEnv() []ModelEndpoint {
	customEndpoints := os.Getenv("CUSTOM_ENDPOINTS")
	if customEndpoints == "" {
		return nil
	}

	var out []ModelEndpoint
	for _, endpointName := range strings.Split(customEndpoints, ",") {
		endpointName = strings.TrimSpace(endpointName)
		if endpointName == "" {
			continue
		}

		envPrefix := strings.ToUpper(strings.ReplaceAll(endpointName, "-", "_"))

		baseURL := os.Getenv(envPrefix + "_BASE_URL")
		apiKey := os.Getenv(envPrefix + "_API_KEY")
		if baseURL == "" && apiKey == "" {
			continue
		}

		endpointType := os.Getenv(envPrefix + "_TYPE")
		if endpointType == "" {
			endpointType = "custom"
		}

		endpoint := ModelEndpoint{
			Name:        endpointName,
			DisplayName: endpointName,
			Type:        endpointType,
			BaseURL:     baseURL,
			APIKey:      apiKey,
		}

		for _, modelStr := range strings.Split(os.Getenv(envPrefix+"_MODELS"), ",") {
			modelStr = strings.TrimSpace(modelStr)
			if modelStr == "" {
				continue
			}

			parts := strings.SplitN(modelStr, ":", 3)
			model := ModelInfo{ID: parts[0], Name: parts[0]}
			if len(parts) >= 2 && parts[1] != "" {
				model.Name = parts[1]
			}
			if len(parts) == 3 {
				if n, err := strconv.Atoi(parts[2]); err == nil {
					model.ContextLength = n
				}
			}
			endpoint.Models = append(endpoint.Models, model)
		}

		out = append(out, endpoint)
	}
	return out
}

func validateConfig(cfg *Config) error {
	if len(cfg.Providers.Endpoints) == 0 {
		return fmt.Errorf("at least one provider endpoint is required")
	}
	for _, ep := range cfg.Providers.Endpoints {
		switch ep.Type {
		case "", "custom", "openai", "anthropic":
		default:
			return fmt.Errorf("endpoint %s: unsupported type %q", ep.Name, ep.Type)
		}
	}

	q := cfg.Engine.Queue
	if q.MaxConcurrent < 1 || q.MaxConcurrent > 20 {
		return fmt.Errorf("engine.queue.max_concurrent must be within [1, 20], got %d", q.MaxConcurrent)
	}
	if q.MaxQueueSize < 1 {
		return fmt.Errorf("engine.queue.max_queue_size must be positive")
	}
	if q.BackoffFactor < 1 {
		return fmt.Errorf("engine.queue.backoff_factor must be >= 1")
	}

	c := cfg.Engine.Context
	if c.Utilization <= 0 || c.Utilization > 1 {
		return fmt.Errorf("engine.context.utilization must be within (0, 1]")
	}
	if c.MaxHistory < 1 {
		return fmt.Errorf("engine.context.max_history must be positive")
	}

	d := cfg.Engine.Decision
	for name, p := range map[string]float64{
		"decision.question_probability": d.QuestionProbability,
		"decision.random_probability":   d.RandomProbability,
		"scheduler.skip_probability":    cfg.Engine.Scheduler.SkipProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("engine.%s must be within [0, 1]", name)
		}
	}
	if d.ResponderCap < 1 {
		return fmt.Errorf("engine.decision.responder_cap must be positive")
	}

	if err := cfg.Settings.Defaults.Validate(); err != nil {
		return fmt.Errorf("settings.defaults: %w", err)
	}
	return nil
}
