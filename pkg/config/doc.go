// Package config resolves runtime configuration for all mongoclaw
// components from three layers, lowest precedence first:
//
//  1. Built-in defaults (Default)
//  2. An optional YAML file (Load with a path)
//  3. Environment variables (always applied)
//
// # Core Components
//
// Config: the top-level struct grouping MongoConfig, RedisConfig,
// AIConfig, WorkerConfig, and ObservabilityConfig, plus the runtime
// toggles for leader election and agent hot reload.
//
// Load: reads the YAML file when a path is given, overlays the
// environment, and validates. A missing path skips straight to
// environment resolution, so a bare deployment needs no file at all.
//
// # Usage
//
//	cfg, err := config.Load(os.Getenv("MONGOCLAW_CONFIG"))
//	if err != nil {
//		log.Fatal("config", err)
//	}
//	fmt.Println(cfg.Redis.URL, cfg.Worker.PoolSize)
//
// # Environment Variables
//
// Keys follow a GROUP_NAME convention matching the YAML layout:
// MONGODB_URI, MONGODB_DATABASE, REDIS_URL, REDIS_STREAM_MAX_LEN,
// REDIS_CONSUMER_GROUP, REDIS_BLOCK_MS, AI_DEFAULT_MODEL,
// AI_REQUEST_TIMEOUT, WORKER_POOL_SIZE, WORKER_ROUTING_STRATEGY,
// WORKER_DISPATCH_BACKPRESSURE_THRESHOLD, WORKER_OVERFLOW_POLICY,
// OBSERVABILITY_LOG_LEVEL, and so on. Duration-valued keys ending in
// _MS take integer milliseconds; the rest take float seconds.
//
// # Integration Points
//
// Every long-lived component receives its config group at construction
// time. Nothing reads the environment after startup; hot reload applies
// to agent definitions, not to this configuration.
package config
