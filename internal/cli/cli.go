// ============================================================================
// Harvester CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running the service and driving it over REST
//
// Command Structure:
//   harvester                      # Root command
//   ├── run                        # Start the service
//   ├── status                     # Show life-cycle state and pending batch
//   ├── harvest                    # Start a harvest (--from, --to, --force)
//   ├── abort | save | submit | reset
//   ├── schedule
//   │   ├── list
//   │   ├── add <cron>
//   │   ├── delete <cron>
//   │   └── clear
//   ├── config
//   │   ├── get
//   │   └── set --auto-save --auto-submit
//   └── cron next <cron>           # Print upcoming firing instants offline
//
// Persistent flags:
//   --config, -c   YAML config file (default: configs/harvester.yaml)
//   --addr         REST address of a running service (default from config)
//
// run Command:
//   1. Load config and set up logging
//   2. Wire bus, index, pipeline, controller, scheduler, servers
//   3. Initialize the controller and restore the schedule
//   4. Serve until SIGINT or SIGTERM, then shut down gracefully
//
// Client commands talk to the REST API of a running service.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/harvester/internal/api"
	"github.com/ChuLiYu/harvester/internal/config"
	"github.com/ChuLiYu/harvester/internal/cron"
	"github.com/ChuLiYu/harvester/internal/logging"
	"github.com/ChuLiYu/harvester/pkg/types"
)

const defaultConfigPath = "configs/harvester.yaml"

type options struct {
	configFile string
	addr       string
}

func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvester: incremental document harvesting service",
		Long: `Harvester pulls records from a source, diffs them against a version
cache and loads the changes into a searchable index.
- Harvest, save and submit stages with abort
- Cron scheduled harvests
- REST, gRPC health and Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "REST address of a running service (default: http.addr from config)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildHarvestCommand(opts))
	rootCmd.AddCommand(buildStageCommand(opts, "abort", "Abort the running harvest"))
	rootCmd.AddCommand(buildStageCommand(opts, "save", "Save the pending batch to disk"))
	rootCmd.AddCommand(buildStageCommand(opts, "submit", "Submit the pending batch to the index"))
	rootCmd.AddCommand(buildStageCommand(opts, "reset", "Re-initialize the service"))
	rootCmd.AddCommand(buildScheduleCommand(opts))
	rootCmd.AddCommand(buildConfigCommand(opts))
	rootCmd.AddCommand(buildCronCommand())

	return rootCmd
}

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the harvester service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context(), opts.configFile)
		},
	}
}

func runService(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	logger, closeLog := logging.Setup(cfg.Service.LogFile, logging.ParseLevel(cfg.Service.LogLevel))
	defer closeLog()

	app, err := NewApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("Failed to close service", "error", err)
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}
	logger.Info("Service started", "http", cfg.HTTP.Addr, "grpc", cfg.GRPC.Addr, "state", app.Controller.Current().String())

	err = app.Serve(ctx)
	logger.Info("Received shutdown signal, stopping gracefully")
	return err
}

// loadConfig reads path, falling back to defaults when the default path
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	return config.Load(path)
}

func (o *options) client() (*api.Client, error) {
	addr := o.addr
	if addr == "" {
		cfg, err := loadConfig(o.configFile)
		if err != nil {
			return nil, err
		}
		addr = cfg.HTTP.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return api.NewClient(addr), nil
}

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st api.StatusResponse) {
	fmt.Fprintf(w, "State:       %s\n", st.Display)
	if st.State.RunID != "" {
		fmt.Fprintf(w, "Run:         %s\n", st.State.RunID)
	}
	if st.State.LastError != "" {
		fmt.Fprintf(w, "Last error:  %s\n", st.State.LastError)
	}
	if st.Pending != nil {
		fmt.Fprintf(w, "Pending:     %d documents, %d deletions\n", st.Pending.Documents, st.Pending.Deleted)
	} else {
		fmt.Fprintln(w, "Pending:     none")
	}
	if st.Documents != nil {
		fmt.Fprintf(w, "Indexed:     %d documents\n", *st.Documents)
	}
	fmt.Fprintf(w, "Auto-save:   %t\n", st.Flags.AutoSave)
	fmt.Fprintf(w, "Auto-submit: %t\n", st.Flags.AutoSubmit)
}

func buildHarvestCommand(opts *options) *cobra.Command {
	var req types.HarvestRequest

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Start a harvest",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			runID, err := c.Harvest(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Harvest started: %s\n", runID)
			return nil
		},
	}

	cmd.Flags().IntVar(&req.From, "from", 0, "first record index")
	cmd.Flags().IntVar(&req.To, "to", 0, "end record index, exclusive (0: end of source)")
	cmd.Flags().BoolVar(&req.Force, "force", false, "harvest even when the source is unchanged")
	return cmd
}

func buildStageCommand(opts *options, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var (
				runID string
				state types.State
			)
			switch name {
			case "abort":
				state, err = c.Abort(ctx)
			case "save":
				runID, err = c.Save(ctx)
			case "submit":
				runID, err = c.Submit(ctx)
			case "reset":
				state, err = c.Reset(ctx)
			}
			if err != nil {
				return err
			}
			if runID != "" {
				fmt.Fprintf(out, "%s started: %s\n", name, runID)
			} else {
				fmt.Fprintf(out, "State: %s\n", state)
			}
			return nil
		},
	}
}

func buildScheduleCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron scheduled harvests",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			tasks, err := c.Tasks(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No scheduled tasks")
				return nil
			}
			for _, t := range tasks {
				fmt.Fprintf(out, "%-20s next %s\n", t.Cron, t.NextFire.Local().Format(time.RFC3339))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <cron>",
		Short: "Add a scheduled harvest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			t, err := c.AddTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %q, next %s\n", t.Cron, t.NextFire.Local().Format(time.RFC3339))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <cron>",
		Short: "Delete a scheduled harvest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %q\n", cron.Normalize(args[0]))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every scheduled harvest",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			n, err := c.DeleteAllTasks(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d tasks\n", n)
			return nil
		},
	})

	return cmd
}

func buildConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the auto-save and auto-submit switches",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the switches",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			v, err := c.Flags(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "auto_save=%t auto_submit=%t\n", v.AutoSave, v.AutoSubmit)
			return nil
		},
	})

	var autoSave, autoSubmit bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Change the switches",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			v, err := c.Flags(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("auto-save") {
				v.AutoSave = autoSave
			}
			if cmd.Flags().Changed("auto-submit") {
				v.AutoSubmit = autoSubmit
			}
			v, err = c.SetFlags(cmd.Context(), v)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "auto_save=%t auto_submit=%t\n", v.AutoSave, v.AutoSubmit)
			return nil
		},
	}
	set.Flags().BoolVar(&autoSave, "auto-save", false, "save after every successful harvest")
	set.Flags().BoolVar(&autoSubmit, "auto-submit", false, "submit after every successful save")
	cmd.AddCommand(set)

	return cmd
}

func buildCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Evaluate cron expressions",
	}

	var count int
	next := &cobra.Command{
		Use:   "next <cron>",
		Short: "Print the next firing instants of an expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printNext(cmd.OutOrStdout(), args[0], time.Now(), count)
		},
	}
	next.Flags().IntVarP(&count, "count", "n", 5, "number of instants to print")
	cmd.AddCommand(next)

	return cmd
}

func printNext(w io.Writer, expr string, from time.Time, count int) error {
	if count <= 0 {
		return fmt.Errorf("count must be positive, got %d", count)
	}
	s, err := cron.Parse(expr)
	if err != nil {
		return err
	}
	t := from
	for i := 0; i < count; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		fmt.Fprintln(w, t.Format(time.RFC3339))
	}
	return nil
}
