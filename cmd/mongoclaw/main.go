package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	goruntime "runtime"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/health"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/runtime"
	"github.com/mongoclaw/mongoclaw/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mongoclaw",
	Short: "Mongoclaw - AI enrichment for MongoDB change streams",
	Long: `Mongoclaw watches MongoDB change streams, matches changed documents
against declarative agents, runs each match through an AI model, and
writes the result back to the source document with loop protection
and guarded writes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Mongoclaw version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(dlqCmd)
}

// loadConfig resolves configuration from the --config flag, an
// optional file, and the environment, then initializes logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Observability.LogLevel),
		JSONOutput: cfg.Observability.LogFormat == "json",
	})
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enrichment pipeline",
	Long: `Run the full pipeline: change stream watcher, dispatcher, worker
pool, and the observability endpoints. Blocks until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runtime.New(cfg, Version).Run(cmd.Context())
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Mongoclaw %s\n", Version)
		fmt.Printf("  Commit:     %s\n", Commit)
		fmt.Printf("  Built:      %s\n", BuildTime)
		fmt.Printf("  Go version: %s\n", goruntime.Version())
		fmt.Printf("  Platform:   %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	Long: `Print the effective configuration after defaults, the optional
file, and environment overrides are merged. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")

		redacted := *cfg
		redacted.Mongo.URI = redactURL(redacted.Mongo.URI)
		redacted.Redis.URL = redactURL(redacted.Redis.URL)
		if redacted.AI.AnthropicAPIKey != "" {
			redacted.AI.AnthropicAPIKey = "***"
		}
		if redacted.AI.OpenAIAPIKey != "" {
			redacted.AI.OpenAIAPIKey = "***"
		}

		out, err := yaml.Marshal(&redacted)
		if err != nil {
			return err
		}

		switch format {
		case "yaml":
			fmt.Print(string(out))
		case "json":
			// Round-trip through the YAML field names so the JSON view
			// uses the same keys the config file does.
			var tree map[string]interface{}
			if err := yaml.Unmarshal(out, &tree); err != nil {
				return err
			}
			enc, err := json.MarshalIndent(tree, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(enc))
		default:
			return fmt.Errorf("unsupported format: %s", format)
		}
		return nil
	},
}

func init() {
	configCmd.Flags().String("format", "yaml", "Output format (yaml or json)")
}

// redactURL strips the password from a connection URL, leaving the
// rest intact.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, has := u.User.Password(); !has {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), "***")
	return u.String()
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check connectivity to the backing stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		component, _ := cmd.Flags().GetString("component")
		if component != "" && component != "mongodb" && component != "redis" {
			return fmt.Errorf("unknown component: %s", component)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		checker := health.NewChecker(5*time.Second, 0)

		if component == "" || component == "mongodb" {
			store, err := storage.NewMongoStore(ctx, cfg.Mongo)
			if err != nil {
				checker.Register("mongodb", unreachableCheck(err))
			} else {
				defer store.Close(ctx)
				checker.Register("mongodb", health.PingCheck("mongodb", store.Ping))
				if component == "" {
					checker.Register("agents", agentsCheck(store))
				}
			}
		}
		if component == "" || component == "redis" {
			q, err := queue.NewRedisQueue(ctx, cfg.Redis)
			if err != nil {
				checker.Register("redis", unreachableCheck(err))
			} else {
				defer q.Close()
				checker.Register("redis", health.PingCheck("redis", q.Ping))
				checker.Register("dead_letter_queue", health.DepthCheck("dead_letter_queue", q.DLQLength, 1000))
			}
		}

		report := checker.Aggregate(ctx)

		names := make([]string, 0, len(report.Components))
		for name := range report.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			res := report.Components[name]
			mark := "✓"
			if res.Status != health.StatusHealthy {
				mark = "✗"
			}
			fmt.Printf("%s %s: %s (%s)\n", mark, name, res.Status, res.Message)
		}
		fmt.Printf("\nOverall: %s (%d/%d healthy)\n", report.Status, report.HealthyCount, report.TotalCount)

		if report.Status == health.StatusUnhealthy {
			return fmt.Errorf("one or more components are unhealthy")
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().String("component", "", "Check a single component (mongodb or redis)")
}

// unreachableCheck reports a connection that failed before a ping
// could be registered.
func unreachableCheck(connErr error) health.CheckFunc {
	return func(ctx context.Context) health.Result {
		return health.Result{
			Status:  health.StatusUnhealthy,
			Message: fmt.Sprintf("connection failed: %v", connErr),
		}
	}
}

// agentsCheck reports the registry shape: enabled and disabled counts
// plus the distinct namespaces under watch. Zero enabled agents
// degrades the report.
func agentsCheck(store *storage.MongoStore) health.CheckFunc {
	return func(ctx context.Context) health.Result {
		enabled, disabled, err := store.CountAgents(ctx)
		if err != nil {
			return health.Result{
				Status:  health.StatusUnhealthy,
				Message: fmt.Sprintf("agent count failed: %v", err),
			}
		}
		targets, err := store.WatchTargets(ctx, true)
		if err != nil {
			return health.Result{
				Status:  health.StatusUnhealthy,
				Message: fmt.Sprintf("watch target listing failed: %v", err),
			}
		}
		res := health.Result{
			Status:  health.StatusHealthy,
			Message: fmt.Sprintf("%d enabled across %d namespaces", enabled, len(targets)),
			Details: map[string]interface{}{
				"enabled":    enabled,
				"disabled":   disabled,
				"namespaces": len(targets),
			},
		}
		if enabled == 0 {
			res.Status = health.StatusDegraded
			res.Message = "no enabled agents"
		}
		return res
	}
}
