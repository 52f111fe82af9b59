package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/storage"
)

const adminTimeout = 30 * time.Second

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent definitions",
}

func init() {
	agentCmd.AddCommand(agentValidateCmd)
	agentCmd.AddCommand(agentApplyCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentGetCmd)
	agentCmd.AddCommand(agentEnableCmd)
	agentCmd.AddCommand(agentDisableCmd)
	agentCmd.AddCommand(agentDeleteCmd)

	agentValidateCmd.Flags().StringP("file", "f", "", "Agent definition file")
	agentValidateCmd.Flags().StringP("dir", "d", "", "Directory of agent definitions")
	agentApplyCmd.Flags().StringP("file", "f", "", "Agent definition file")
	agentApplyCmd.Flags().StringP("dir", "d", "", "Directory of agent definitions")
	agentListCmd.Flags().String("database", "", "Only agents watching this database")
	agentListCmd.Flags().String("collection", "", "Only agents watching this collection")
	agentListCmd.Flags().String("tag", "", "Only agents carrying this tag")
	agentListCmd.Flags().Bool("enabled", false, "Only enabled agents")
	agentListCmd.Flags().Int64("limit", 0, "Maximum agents to list (0 = all)")
	agentListCmd.Flags().Int64("offset", 0, "Agents to skip before listing")
	agentGetCmd.Flags().StringP("output", "o", "yaml", "Output format (yaml or json)")
	agentDeleteCmd.Flags().Bool("yes", false, "Confirm deletion")
}

// openStore dials MongoDB with a bounded timeout for one admin
// command.
func openStore(cmd *cobra.Command) (*storage.MongoStore, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	store, err := storage.NewMongoStore(ctx, cfg.Mongo)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	return store, ctx, cancel, nil
}

// loadAgentArgs reads definitions from --file or --dir.
func loadAgentArgs(cmd *cobra.Command) ([]*agent.Config, error) {
	file, _ := cmd.Flags().GetString("file")
	dir, _ := cmd.Flags().GetString("dir")
	switch {
	case file != "" && dir != "":
		return nil, fmt.Errorf("--file and --dir are mutually exclusive")
	case file != "":
		return agent.LoadFile(file)
	case dir != "":
		return agent.LoadDir(dir)
	default:
		return nil, fmt.Errorf("either --file or --dir is required")
	}
}

var agentValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate agent definition files",
	Long: `Parse and validate agent definitions without touching the registry.

Examples:
  # Validate a single definition
  mongoclaw agent validate -f classifier.yaml

  # Validate a directory of definitions
  mongoclaw agent validate -d ./agents`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configs, err := loadAgentArgs(cmd)
		if err != nil {
			return err
		}
		for _, a := range configs {
			model := a.AI.Model
			if model == "" {
				model = "(default)"
			}
			fmt.Printf("✓ %s  watch=%s  model=%s\n", a.ID, a.Target(), model)
		}
		fmt.Printf("\n%d definition(s) valid\n", len(configs))
		return nil
	},
}

var agentApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update agents from definition files",
	Long: `Apply agent definitions to the registry. Existing agents are
updated in place with their version counter bumped; new ids are
created. The running pipeline picks the change up through hot reload
or its next cache refresh.

Examples:
  # Apply a single definition
  mongoclaw agent apply -f classifier.yaml

  # Apply a directory of definitions
  mongoclaw agent apply -d ./agents`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configs, err := loadAgentArgs(cmd)
		if err != nil {
			return err
		}

		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer store.Close(ctx)

		for _, a := range configs {
			existing, err := store.GetAgent(ctx, a.ID)
			switch {
			case err == nil:
				a.CreatedAt = existing.CreatedAt
				a.Version = existing.Version
				if err := store.UpdateAgent(ctx, a); err != nil {
					return fmt.Errorf("failed to update agent %s: %w", a.ID, err)
				}
				fmt.Printf("✓ Agent updated: %s (version %d)\n", a.ID, a.Version)
			case errors.Is(err, storage.ErrAgentNotFound):
				if err := store.CreateAgent(ctx, a); err != nil {
					return fmt.Errorf("failed to create agent %s: %w", a.ID, err)
				}
				fmt.Printf("✓ Agent created: %s\n", a.ID)
			default:
				return fmt.Errorf("failed to look up agent %s: %w", a.ID, err)
			}
		}
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer store.Close(ctx)

		query := storage.AgentQuery{}
		query.Database, _ = cmd.Flags().GetString("database")
		query.Collection, _ = cmd.Flags().GetString("collection")
		query.Tag, _ = cmd.Flags().GetString("tag")
		query.EnabledOnly, _ = cmd.Flags().GetBool("enabled")
		query.Limit, _ = cmd.Flags().GetInt64("limit")
		query.Offset, _ = cmd.Flags().GetInt64("offset")

		agents, err := store.FindAgents(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}
		if len(agents) == 0 {
			fmt.Println("No agents matched")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWATCH\tMODEL\tENABLED\tVERSION\tUPDATED")
		for _, a := range agents {
			model := a.AI.Model
			if model == "" {
				model = "(default)"
			}
			updated := "-"
			if !a.UpdatedAt.IsZero() {
				updated = a.UpdatedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
				a.ID, a.Target(), model, a.IsEnabled(), a.Version, updated)
		}
		return w.Flush()
	},
}

var agentGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one agent definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output != "yaml" && output != "json" {
			return fmt.Errorf("unsupported output format: %s", output)
		}

		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer store.Close(ctx)

		a, err := store.GetAgent(ctx, args[0])
		if err != nil {
			return err
		}

		if output == "json" {
			out, err := json.MarshalIndent(a, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		out, err := yaml.Marshal(a)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var agentEnableCmd = &cobra.Command{
	Use:   "enable ID",
	Short: "Enable an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAgentEnabled(cmd, args[0], true)
	},
}

var agentDisableCmd = &cobra.Command{
	Use:   "disable ID",
	Short: "Disable an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAgentEnabled(cmd, args[0], false)
	},
}

func setAgentEnabled(cmd *cobra.Command, id string, enabled bool) error {
	store, ctx, cancel, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer store.Close(ctx)

	if err := store.SetAgentEnabled(ctx, id, enabled); err != nil {
		return err
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Printf("✓ Agent %s: %s\n", state, id)
	return nil
}

var agentDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete an agent from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("deleting %s removes it permanently, re-run with --yes to confirm", args[0])
		}

		store, ctx, cancel, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer store.Close(ctx)

		if err := store.DeleteAgent(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Agent deleted: %s\n", args[0])
		return nil
	},
}
