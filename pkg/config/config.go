package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// Config is the full runtime configuration. Values resolve in three
// layers: built-in defaults, an optional YAML file, then environment
// variables. Environment always wins.
type Config struct {
	Environment           string `yaml:"environment"`
	LeaderElectionEnabled bool   `yaml:"leader_election_enabled"`
	HotReloadEnabled      bool   `yaml:"hot_reload_enabled"`

	Mongo         MongoConfig         `yaml:"mongodb"`
	Redis         RedisConfig         `yaml:"redis"`
	AI            AIConfig            `yaml:"ai"`
	Worker        WorkerConfig        `yaml:"worker"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// MongoConfig holds document store settings
type MongoConfig struct {
	URI                       string        `yaml:"uri"`
	Database                  string        `yaml:"database"`
	AgentsCollection          string        `yaml:"agents_collection"`
	ExecutionsCollection      string        `yaml:"executions_collection"`
	ResumeTokensCollection    string        `yaml:"resume_tokens_collection"`
	LeaderElectionCollection  string        `yaml:"leader_election_collection"`
	IdempotencyKeysCollection string        `yaml:"idempotency_keys_collection"`
	MaxPoolSize               uint64        `yaml:"max_pool_size"`
	MinPoolSize               uint64        `yaml:"min_pool_size"`
	ServerSelectionTimeout    time.Duration `yaml:"server_selection_timeout"`
}

// RedisConfig holds queue broker settings
type RedisConfig struct {
	URL            string        `yaml:"url"`
	MaxConnections int           `yaml:"max_connections"`
	StreamMaxLen   int64         `yaml:"stream_max_len"`
	ConsumerGroup  string        `yaml:"consumer_group"`
	BlockTime      time.Duration `yaml:"block_time"`
}

// AIConfig holds provider defaults and global limits
type AIConfig struct {
	DefaultProvider    string        `yaml:"default_provider"`
	DefaultModel       string        `yaml:"default_model"`
	DefaultTemperature float64       `yaml:"default_temperature"`
	DefaultMaxTokens   int           `yaml:"default_max_tokens"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	GlobalCostLimitUSD float64       `yaml:"global_cost_limit_usd"`
	GlobalTokenLimit   int64         `yaml:"global_token_limit"`
	AnthropicAPIKey    string        `yaml:"anthropic_api_key"`
	OpenAIAPIKey       string        `yaml:"openai_api_key"`
	OpenAIBaseURL      string        `yaml:"openai_base_url"`
	RateLimitPerAgent  float64       `yaml:"rate_limit_per_agent"`
}

// WorkerConfig holds pool, routing, admission, and retry settings
type WorkerConfig struct {
	PoolSize        int                   `yaml:"pool_size"`
	RoutingStrategy types.RoutingStrategy `yaml:"routing_strategy"`
	PartitionCount  int                   `yaml:"partition_count"`
	BatchSize       int64                 `yaml:"batch_size"`

	FairScheduling      bool `yaml:"fair_scheduling"`
	StreamsPerCycle     int  `yaml:"streams_per_cycle"`
	MaxInFlightPerAgent int  `yaml:"max_in_flight_per_agent_stream"`

	PendingMetricsInterval    time.Duration `yaml:"pending_metrics_interval"`
	StarvationCycleThreshold  int           `yaml:"starvation_cycle_threshold"`
	DiscoveryInterval         time.Duration `yaml:"discovery_interval"`
	ClaimInterval             time.Duration `yaml:"claim_interval"`
	ClaimMinIdle              time.Duration `yaml:"claim_min_idle"`

	DispatchBackpressure          bool                 `yaml:"dispatch_backpressure"`
	DispatchBackpressureThreshold float64              `yaml:"dispatch_backpressure_threshold"`
	OverflowPolicy                types.OverflowPolicy `yaml:"overflow_policy"`
	MinPriorityWhenBackpressured  int                  `yaml:"min_priority_when_backpressured"`
	DeferDelay                    time.Duration        `yaml:"defer_delay"`
	DeferMaxAttempts              int                  `yaml:"defer_max_attempts"`
	PressureCacheTTL              time.Duration        `yaml:"pressure_cache_ttl"`

	AgentFailureWindow time.Duration `yaml:"agent_failure_window"`
	AgentFailureMax    int           `yaml:"agent_failure_max"`
	QuarantineDuration time.Duration `yaml:"quarantine_duration"`
	LatencySLO         time.Duration `yaml:"latency_slo"`

	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // json or console
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPort    int    `yaml:"metrics_port"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Environment:           "development",
		LeaderElectionEnabled: true,
		HotReloadEnabled:      true,
		Mongo: MongoConfig{
			URI:                       "mongodb://localhost:27017",
			Database:                  "mongoclaw",
			AgentsCollection:          "agents",
			ExecutionsCollection:      "executions",
			ResumeTokensCollection:    "resume_tokens",
			LeaderElectionCollection:  "leader_election",
			IdempotencyKeysCollection: "idempotency_keys",
			MaxPoolSize:               100,
			MinPoolSize:               10,
			ServerSelectionTimeout:    5 * time.Second,
		},
		Redis: RedisConfig{
			URL:            "redis://localhost:6379/0",
			MaxConnections: 50,
			StreamMaxLen:   100000,
			ConsumerGroup:  "mongoclaw-workers",
			BlockTime:      5 * time.Second,
		},
		AI: AIConfig{
			DefaultProvider:    "anthropic",
			DefaultModel:       "claude-sonnet-4-5",
			DefaultTemperature: 0.7,
			DefaultMaxTokens:   2048,
			RequestTimeout:     60 * time.Second,
			MaxRetries:         3,
			RateLimitPerAgent:  0, // unlimited
		},
		Worker: WorkerConfig{
			PoolSize:        10,
			RoutingStrategy: types.RouteByAgent,
			PartitionCount:  8,
			BatchSize:       10,

			FairScheduling:      true,
			StreamsPerCycle:     0, // all
			MaxInFlightPerAgent: 0, // uncapped

			PendingMetricsInterval:   15 * time.Second,
			StarvationCycleThreshold: 50,
			DiscoveryInterval:        30 * time.Second,
			ClaimInterval:            30 * time.Second,
			ClaimMinIdle:             60 * time.Second,

			DispatchBackpressure:          false,
			DispatchBackpressureThreshold: 0.8,
			OverflowPolicy:                types.OverflowDefer,
			MinPriorityWhenBackpressured:  5,
			DeferDelay:                    200 * time.Millisecond,
			DeferMaxAttempts:              3,
			PressureCacheTTL:              2 * time.Second,

			AgentFailureWindow: 60 * time.Second,
			AgentFailureMax:    5,
			QuarantineDuration: 300 * time.Second,
			LatencySLO:         0, // disabled

			MaxRetries:       3,
			RetryBaseDelay:   time.Second,
			RetryMaxDelay:    60 * time.Second,
			ExecutionTimeout: 300 * time.Second,
			ShutdownTimeout:  30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
			MetricsPort:    9090,
		},
	}
}

// Load resolves configuration from defaults, an optional YAML file, and
// the environment, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("MONGOCLAW_ENVIRONMENT", &c.Environment)
	envBool("MONGOCLAW_LEADER_ELECTION_ENABLED", &c.LeaderElectionEnabled)
	envBool("MONGOCLAW_HOT_RELOAD_ENABLED", &c.HotReloadEnabled)

	envStr("MONGODB_URI", &c.Mongo.URI)
	envStr("MONGODB_DATABASE", &c.Mongo.Database)
	envStr("MONGODB_AGENTS_COLLECTION", &c.Mongo.AgentsCollection)
	envStr("MONGODB_EXECUTIONS_COLLECTION", &c.Mongo.ExecutionsCollection)
	envStr("MONGODB_RESUME_TOKENS_COLLECTION", &c.Mongo.ResumeTokensCollection)
	envStr("MONGODB_LEADER_ELECTION_COLLECTION", &c.Mongo.LeaderElectionCollection)
	envStr("MONGODB_IDEMPOTENCY_KEYS_COLLECTION", &c.Mongo.IdempotencyKeysCollection)
	envUint64("MONGODB_MAX_POOL_SIZE", &c.Mongo.MaxPoolSize)
	envUint64("MONGODB_MIN_POOL_SIZE", &c.Mongo.MinPoolSize)
	envMillis("MONGODB_SERVER_SELECTION_TIMEOUT_MS", &c.Mongo.ServerSelectionTimeout)

	envStr("REDIS_URL", &c.Redis.URL)
	envInt("REDIS_MAX_CONNECTIONS", &c.Redis.MaxConnections)
	envInt64("REDIS_STREAM_MAX_LEN", &c.Redis.StreamMaxLen)
	envStr("REDIS_CONSUMER_GROUP", &c.Redis.ConsumerGroup)
	envMillis("REDIS_BLOCK_MS", &c.Redis.BlockTime)

	envStr("AI_DEFAULT_PROVIDER", &c.AI.DefaultProvider)
	envStr("AI_DEFAULT_MODEL", &c.AI.DefaultModel)
	envFloat("AI_DEFAULT_TEMPERATURE", &c.AI.DefaultTemperature)
	envInt("AI_DEFAULT_MAX_TOKENS", &c.AI.DefaultMaxTokens)
	envSeconds("AI_REQUEST_TIMEOUT", &c.AI.RequestTimeout)
	envInt("AI_MAX_RETRIES", &c.AI.MaxRetries)
	envFloat("AI_GLOBAL_COST_LIMIT_USD", &c.AI.GlobalCostLimitUSD)
	envInt64("AI_GLOBAL_TOKEN_LIMIT", &c.AI.GlobalTokenLimit)
	envStr("AI_ANTHROPIC_API_KEY", &c.AI.AnthropicAPIKey)
	envStr("AI_OPENAI_API_KEY", &c.AI.OpenAIAPIKey)
	envStr("AI_OPENAI_BASE_URL", &c.AI.OpenAIBaseURL)
	envFloat("AI_RATE_LIMIT_PER_AGENT", &c.AI.RateLimitPerAgent)

	envInt("WORKER_POOL_SIZE", &c.Worker.PoolSize)
	envRouting("WORKER_ROUTING_STRATEGY", &c.Worker.RoutingStrategy)
	envInt("WORKER_PARTITION_COUNT", &c.Worker.PartitionCount)
	envInt64("WORKER_BATCH_SIZE", &c.Worker.BatchSize)
	envBool("WORKER_FAIR_SCHEDULING", &c.Worker.FairScheduling)
	envInt("WORKER_STREAMS_PER_CYCLE", &c.Worker.StreamsPerCycle)
	envInt("WORKER_MAX_IN_FLIGHT_PER_AGENT_STREAM", &c.Worker.MaxInFlightPerAgent)
	envSeconds("WORKER_PENDING_METRICS_INTERVAL", &c.Worker.PendingMetricsInterval)
	envInt("WORKER_STARVATION_CYCLE_THRESHOLD", &c.Worker.StarvationCycleThreshold)
	envSeconds("WORKER_DISCOVERY_INTERVAL", &c.Worker.DiscoveryInterval)
	envSeconds("WORKER_CLAIM_INTERVAL", &c.Worker.ClaimInterval)
	envMillis("WORKER_CLAIM_MIN_IDLE_MS", &c.Worker.ClaimMinIdle)
	envBool("WORKER_DISPATCH_BACKPRESSURE", &c.Worker.DispatchBackpressure)
	envFloat("WORKER_DISPATCH_BACKPRESSURE_THRESHOLD", &c.Worker.DispatchBackpressureThreshold)
	envOverflow("WORKER_OVERFLOW_POLICY", &c.Worker.OverflowPolicy)
	envInt("WORKER_MIN_PRIORITY_WHEN_BACKPRESSURED", &c.Worker.MinPriorityWhenBackpressured)
	envSeconds("WORKER_DEFER_SECONDS", &c.Worker.DeferDelay)
	envInt("WORKER_DEFER_MAX_ATTEMPTS", &c.Worker.DeferMaxAttempts)
	envSeconds("WORKER_PRESSURE_CACHE_TTL", &c.Worker.PressureCacheTTL)
	envSeconds("WORKER_AGENT_FAILURE_WINDOW_SECONDS", &c.Worker.AgentFailureWindow)
	envInt("WORKER_AGENT_FAILURE_MAX", &c.Worker.AgentFailureMax)
	envSeconds("WORKER_QUARANTINE_SECONDS", &c.Worker.QuarantineDuration)
	envMillis("WORKER_LATENCY_SLO_MS", &c.Worker.LatencySLO)
	envInt("WORKER_MAX_RETRIES", &c.Worker.MaxRetries)
	envSeconds("WORKER_RETRY_BASE_DELAY", &c.Worker.RetryBaseDelay)
	envSeconds("WORKER_RETRY_MAX_DELAY", &c.Worker.RetryMaxDelay)
	envSeconds("WORKER_EXECUTION_TIMEOUT", &c.Worker.ExecutionTimeout)
	envSeconds("WORKER_SHUTDOWN_TIMEOUT", &c.Worker.ShutdownTimeout)

	envStr("OBSERVABILITY_LOG_LEVEL", &c.Observability.LogLevel)
	envStr("OBSERVABILITY_LOG_FORMAT", &c.Observability.LogFormat)
	envBool("OBSERVABILITY_METRICS_ENABLED", &c.Observability.MetricsEnabled)
	envInt("OBSERVABILITY_METRICS_PORT", &c.Observability.MetricsPort)
}

// Validate enforces cross-field invariants
func (c *Config) Validate() error {
	if c.Worker.RetryBaseDelay > c.Worker.RetryMaxDelay {
		return fmt.Errorf("worker retry_base_delay %s exceeds retry_max_delay %s",
			c.Worker.RetryBaseDelay, c.Worker.RetryMaxDelay)
	}
	if c.Worker.PoolSize < 1 {
		return fmt.Errorf("worker pool_size must be at least 1, got %d", c.Worker.PoolSize)
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("worker batch_size must be at least 1, got %d", c.Worker.BatchSize)
	}
	if t := c.Worker.DispatchBackpressureThreshold; t < 0 || t > 1 {
		return fmt.Errorf("dispatch_backpressure_threshold must be in [0,1], got %v", t)
	}
	if c.Worker.PartitionCount < 1 {
		return fmt.Errorf("worker partition_count must be at least 1, got %d", c.Worker.PartitionCount)
	}
	switch c.Worker.RoutingStrategy {
	case types.RouteByAgent, types.RouteByCollection, types.RouteSingle,
		types.RoutePartitioned, types.RouteByPriority:
	default:
		return fmt.Errorf("unknown routing strategy %q", c.Worker.RoutingStrategy)
	}
	switch c.Worker.OverflowPolicy {
	case types.OverflowDrop, types.OverflowDLQ, types.OverflowDefer:
	default:
		return fmt.Errorf("unknown overflow policy %q", c.Worker.OverflowPolicy)
	}
	if temp := c.AI.DefaultTemperature; temp < 0 || temp > 2 {
		return fmt.Errorf("ai default_temperature must be in [0,2], got %v", temp)
	}
	return nil
}

// env helpers: set the target only when the variable is present and parses

func envStr(key string, target *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*target = v
	}
}

func envInt(key string, target *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envInt64(key string, target *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func envUint64(key string, target *uint64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func envFloat(key string, target *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func envBool(key string, target *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envSeconds parses a float number of seconds
func envSeconds(key string, target *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = time.Duration(f * float64(time.Second))
		}
	}
}

// envMillis parses an integer number of milliseconds
func envMillis(key string, target *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = time.Duration(n) * time.Millisecond
		}
	}
}

func envRouting(key string, target *types.RoutingStrategy) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*target = types.RoutingStrategy(v)
	}
}

func envOverflow(key string, target *types.OverflowPolicy) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*target = types.OverflowPolicy(v)
	}
}
