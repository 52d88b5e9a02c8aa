package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hherb/bmlibrarian-orchestrator/internal/config"
	"github.com/hherb/bmlibrarian-orchestrator/internal/metrics"
	internal_http "github.com/hherb/bmlibrarian-orchestrator/internal/http"
	"github.com/hherb/bmlibrarian-orchestrator/internal/log"
	internal_storage "github.com/hherb/bmlibrarian-orchestrator/internal/storage"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/service"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/storage"
)

// SetupCLI wires the orchestrator subcommands onto the root command.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("driver", "", "Storage driver: sqlite or postgres (default from config)")
	rootCmd.PersistentFlags().String("db", "", "Database path (sqlite) or connection string (postgres)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, store := mustInit(cmd)
			defer store.Close()
			qm := newQueueManager(cfg, store)
			if err := internal_http.StartServer(cfg.HTTPPort, qm); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}

	enqueueCmd := &cobra.Command{
		Use:   "enqueue [agent] [operation]",
		Short: "Enqueue a task for an agent",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, store := mustInit(cmd)
			defer store.Close()
			qm := newQueueManager(cfg, store)

			paramsJSON, _ := cmd.Flags().GetString("params")
			params := models.Params{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					fmt.Fprintf(os.Stderr, "Error: invalid --params JSON: %v\n", err)
					os.Exit(1)
				}
			}
			priority, _ := cmd.Flags().GetInt("priority")
			maxRetries, _ := cmd.Flags().GetInt("max-retries")

			id, err := qm.Enqueue(args[0], args[1], params,
				models.WithPriority(models.TaskPriority(priority)),
				models.WithMaxRetries(maxRetries))
			if err != nil {
				log.GetLogger().Errorf("Failed to enqueue task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to enqueue task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Enqueued task %s for agent '%s'\n", id, args[0])
		},
	}
	enqueueCmd.Flags().String("params", "", "Operation parameters as a JSON object")
	enqueueCmd.Flags().Int("priority", int(models.NormalPriority), "Task priority (higher dispatches first)")
	enqueueCmd.Flags().Int("max-retries", 3, "Retry ceiling before the task permanently fails")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, store := mustInit(cmd)
			defer store.Close()
			qm := newQueueManager(cfg, store)
			task, err := qm.Get(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			out, err := json.MarshalIndent(task, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintln(os.Stdout, string(out))
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats [agent]",
		Short: "Show task counts by status, optionally for one agent",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, store := mustInit(cmd)
			defer store.Close()
			qm := newQueueManager(cfg, store)
			agent := ""
			if len(args) == 1 {
				agent = args[0]
			}
			counts, err := qm.Stats(agent)
			if err != nil {
				log.GetLogger().Errorf("Failed to compute stats: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to compute stats: %v\n", err)
				os.Exit(1)
			}
			if len(counts) == 0 {
				fmt.Fprintln(os.Stdout, "No tasks found.")
				return
			}
			for _, status := range []models.TaskStatus{
				models.PendingTaskStatus, models.ProcessingTaskStatus,
				models.CompletedTaskStatus, models.FailedTaskStatus,
			} {
				if n, ok := counts[status]; ok {
					fmt.Fprintf(os.Stdout, "- %s: %d\n", status, n)
				}
			}
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge terminal tasks older than --older-than",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, store := mustInit(cmd)
			defer store.Close()
			qm := newQueueManager(cfg, store)
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			purged, err := qm.Cleanup(olderThan)
			if err != nil {
				log.GetLogger().Errorf("Cleanup failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: cleanup failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Purged %d terminal tasks\n", purged)
		},
	}
	cleanupCmd.Flags().Duration("older-than", 24*time.Hour, "Minimum age of terminal tasks to purge")

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Reset tasks orphaned in PROCESSING by a crashed run",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, store := mustInit(cmd)
			defer store.Close()
			qm := newQueueManager(cfg, store)
			reset, err := qm.RecoverOrphaned()
			if err != nil {
				log.GetLogger().Errorf("Recovery sweep failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: recovery sweep failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Reset %d orphaned tasks to PENDING\n", reset)
		},
	}

	rootCmd.AddCommand(serveCmd, enqueueCmd, getCmd, statsCmd, cleanupCmd, recoverCmd)
}

func newQueueManager(cfg config.Config, store storage.Store) *service.QueueManager {
	qm := service.NewQueueManager(store, log.GetLogger(),
		service.WithDefaultMaxRetries(cfg.MaxRetries),
		service.WithMetrics(metrics.NewTaskMetrics(prometheus.DefaultRegisterer)))
	if cfg.RecoverOnStart {
		if _, err := qm.RecoverOrphaned(); err != nil {
			log.GetLogger().Errorf("Startup recovery sweep failed: %v", err)
		}
	}
	return qm
}

func mustInit(cmd *cobra.Command) (config.Config, storage.Store) {
	cfg, err := config.Load()
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		cfg.DBDriver = driver
	}
	if dsn, _ := cmd.Flags().GetString("db"); dsn != "" {
		cfg.DBDSN = dsn
	}
	store, err := internal_storage.InitStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return cfg, store
}
