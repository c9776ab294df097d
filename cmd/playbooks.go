// Package cmd provides command-line interface commands for Orthrus.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"orthrus/config"
	"orthrus/core"
	"orthrus/notify"
	"orthrus/soar"
	"orthrus/storage"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags for playbook commands
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
)

const (
	maxPlaybookFileSize = 1 * 1024 * 1024
	defaultTimeout      = 5 * time.Minute
)

// NewPlaybooksCmd creates the root playbooks command with all subcommands.
func NewPlaybooksCmd() *cobra.Command {
	playbooksCmd := &cobra.Command{
		Use:   "playbooks",
		Short: "Manage and run response playbooks",
		Long: `Manage response playbooks: validate definitions, list stored playbooks,
and run a playbook locally against the engine's database.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	playbooksCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	playbooksCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path")
	playbooksCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	playbooksCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	playbooksCmd.AddCommand(newValidateCmd())
	playbooksCmd.AddCommand(newListCmd())
	playbooksCmd.AddCommand(newShowCmd())
	playbooksCmd.AddCommand(newRunCmd())

	return playbooksCmd
}

// newValidateCmd creates the 'validate' subcommand
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "validate <file>",
		Aliases: []string{"lint"},
		Short:   "Validate a playbook definition file",
		Long:    "Parse and compile a playbook definition (JSON or YAML) and report every structural problem found.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pb, err := loadPlaybookFile(args[0])
			if err != nil {
				return err
			}

			registry, err := buildRegistry()
			if err != nil {
				return err
			}

			if _, err := soar.CompileGraph(pb, registry); err != nil {
				var verrs *soar.ValidationErrors
				if errors.As(err, &verrs) {
					if outputJSON {
						return outputAsJSON(map[string]interface{}{"valid": false, "errors": verrs.Errors})
					}
					errorColor.Printf("✗ %s: %d problem(s)\n", args[0], len(verrs.Errors))
					for _, ve := range verrs.Errors {
						renderValidationError(ve)
					}
					os.Exit(1)
				}
				return err
			}

			if outputJSON {
				return outputAsJSON(map[string]bool{"valid": true})
			}
			successColor.Printf("✓ %s is valid (%d steps)\n", args[0], len(pb.Steps))
			return nil
		},
	}
	return cmd
}

// newListCmd creates the 'list' subcommand
func newListCmd() *cobra.Command {
	var orgID string
	var showDisabled bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			store, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			playbooks, err := store.ListPlaybooks(ctx, orgID)
			if err != nil {
				return fmt.Errorf("failed to list playbooks: %w", err)
			}
			if !showDisabled {
				var filtered []*soar.Playbook
				for _, pb := range playbooks {
					if pb.Enabled {
						filtered = append(filtered, pb)
					}
				}
				playbooks = filtered
			}

			if outputJSON {
				return outputAsJSON(playbooks)
			}
			renderPlaybooksTable(playbooks)
			return nil
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "Filter by organization ID")
	cmd.Flags().BoolVar(&showDisabled, "all", false, "Show disabled playbooks")

	return cmd
}

// newShowCmd creates the 'show' subcommand
func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <playbook-id>",
		Short: "Show a playbook definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			store, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			pb, err := store.GetPlaybook(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get playbook: %w", err)
			}
			return outputAsJSON(pb)
		},
	}
}

// newRunCmd creates the 'run' subcommand
func newRunCmd() *cobra.Command {
	var payloadJSON string
	var showProgress bool

	cmd := &cobra.Command{
		Use:   "run <playbook-id>",
		Short: "Run a playbook and wait for it to finish",
		Long: `Run the latest version of a stored playbook directly, bypassing the
dispatch queue, and wait for the execution to complete. Do not run this
against a database a live engine instance is using.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			var payload map[string]interface{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload JSON: %w", err)
				}
			}

			store, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			pb, err := store.GetPlaybook(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get playbook: %w", err)
			}
			if !pb.Enabled {
				return fmt.Errorf("playbook %s is disabled", pb.ID)
			}

			executor, err := buildExecutor(store)
			if err != nil {
				return err
			}

			exec := &soar.Execution{
				ID:              uuid.NewString(),
				PlaybookID:      pb.ID,
				PlaybookVersion: pb.Version,
				OrganizationID:  pb.OrganizationID,
				Status:          soar.ExecutionStatusQueued,
				TriggeredBy:     "cli",
				TriggerType:     core.TriggerManual,
				Priority:        pb.Priority,
				Context: map[string]interface{}{
					soar.ContextKeyTrigger: payload,
				},
				EnqueuedAt: time.Now().UTC(),
			}
			if err := store.CreateExecution(ctx, exec); err != nil {
				return fmt.Errorf("failed to create execution: %w", err)
			}

			if !quiet {
				infoColor.Printf("Running playbook: %s (v%d)\n", pb.Name, pb.Version)
			}
			var s *spinner.Spinner
			if showProgress && !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Executing playbook..."
				s.Start()
			}

			runErr := executor.Execute(ctx, pb, exec)

			if s != nil {
				s.Stop()
			}
			if runErr != nil {
				return fmt.Errorf("execution failed: %w", runErr)
			}

			result, err := store.GetExecution(ctx, exec.ID)
			if err != nil {
				return fmt.Errorf("failed to load execution result: %w", err)
			}
			if outputJSON {
				return outputAsJSON(result)
			}
			renderExecutionResult(result)
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadJSON, "payload", "", "Trigger payload as a JSON object")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")

	return cmd
}

// loadPlaybookFile reads a playbook definition from a JSON or YAML file.
func loadPlaybookFile(path string) (*soar.Playbook, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if info.Size() > maxPlaybookFileSize {
		return nil, fmt.Errorf("%s exceeds the %d byte size limit", path, maxPlaybookFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	// YAML definitions are converted through JSON so both formats share
	// the same field names.
	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
		data, err = json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %s: %w", path, err)
		}
	}

	var pb soar.Playbook
	if err := json.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("invalid playbook in %s: %w", path, err)
	}
	return &pb, nil
}

// openStore loads config and opens the engine database.
func openStore() (*storage.SQLiteStore, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewSQLiteStore(cfg.Storage.Path, cfg.Storage.MaxOpenReadConn, cliLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("open storage at %s: %w", cfg.Storage.Path, err)
	}
	cleanup := func() {
		_ = store.Close()
	}
	return store, cleanup, nil
}

// buildRegistry creates an action registry with the builtin catalog,
// used for offline validation.
func buildRegistry() (*soar.Registry, error) {
	logger := cliLogger()
	registry := soar.NewRegistry(logger)
	notifier := notify.New(config.NotificationsConfig{}, logger)
	cfg := soar.ActionConfig{DestructiveEnabled: true}
	if err := soar.RegisterBuiltinActions(registry, cfg, notifier, logger); err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}
	return registry, nil
}

// buildExecutor assembles a local executor over the given store.
func buildExecutor(store *storage.SQLiteStore) (*soar.Executor, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger := cliLogger()

	registry := soar.NewRegistry(logger)
	actionCfg := soar.ActionConfig{
		DestructiveEnabled:  cfg.SOAR.DestructiveActionsEnabled,
		AllowedWebhookHosts: cfg.SOAR.AllowedWebhookHosts,
	}
	notifier := notify.New(cfg.Notifications, logger)
	if err := soar.RegisterBuiltinActions(registry, actionCfg, notifier, logger); err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}

	retryDefaults := soar.RetryPolicy{
		MaxRetries:        cfg.SOAR.DefaultMaxRetries,
		InitialDelay:      cfg.SOAR.DefaultRetryDelay,
		BackoffMultiplier: cfg.SOAR.RetryBackoffMultiplier,
	}
	runner := soar.NewStepRunner(registry, soar.NewTemplateResolver(), retryDefaults, cfg.SOAR.DefaultStepTimeout, logger)
	graphs := soar.NewGraphCache(registry)

	return soar.NewExecutor(runner, graphs, store, soar.NoopAuditSink{},
		soar.OnErrorPolicy(cfg.SOAR.DefaultOnError), logger), nil
}

// cliLogger keeps engine internals quiet; the CLI reports through its
// own formatters.
func cliLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
