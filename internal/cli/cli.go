package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	internal_http "github.com/caseyglarkin2-png/sales-agent-sub001/internal/http"
	"github.com/caseyglarkin2-png/sales-agent-sub001/internal/log"
	internal_storage "github.com/caseyglarkin2-png/sales-agent-sub001/internal/storage"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/service"
	"github.com/spf13/cobra"
)

// SetupCLI wires the operational commands. The registry carries the
// workflows the embedding application registered before calling Execute.
func SetupCLI(rootCmd *cobra.Command, registry *service.Registry) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and worker pool",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetString("port")
			workers, _ := cmd.Flags().GetInt("workers")
			store := initStore(cmd)
			defer store.Close()
			serve(store, registry, port, workers)
		},
	}
	serveCmd.Flags().String("port", "8080", "HTTP listen port")
	serveCmd.Flags().Int("workers", 0, "Worker count (0 = NumCPU)")

	runsCmd := &cobra.Command{Use: "runs", Short: "Inspect and manage workflow runs"}
	runsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List workflow runs",
			Run: func(cmd *cobra.Command, args []string) {
				store := initStore(cmd)
				defer store.Close()
				runs, err := store.ListRuns()
				if err != nil {
					fatalf("failed to list runs: %v", err)
				}
				if len(runs) == 0 {
					fmt.Println("No runs found.")
					return
				}
				for _, run := range runs {
					fmt.Printf("- %s  %-30s %-10s step=%d created=%s\n",
						run.ID, run.WorkflowName, run.Status, run.CurrentStepIndex,
						run.CreatedAt.Format(time.RFC3339))
				}
			},
		},
		&cobra.Command{
			Use:   "cancel [run-id]",
			Short: "Flag a run for cooperative cancellation",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				store := initStore(cmd)
				defer store.Close()
				if err := store.CancelRun(args[0]); err != nil {
					fatalf("failed to cancel run: %v", err)
				}
				fmt.Printf("Run %s flagged for cancellation\n", args[0])
			},
		},
		&cobra.Command{
			Use:   "events [run-id]",
			Short: "Show a run's audit trail",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				store := initStore(cmd)
				defer store.Close()
				events, err := store.ListEvents(args[0])
				if err != nil {
					fatalf("failed to list events: %v", err)
				}
				for _, e := range events {
					fmt.Printf("- step %d (%s) attempt %d: %-8s %dms %s\n",
						e.StepIndex, e.StepName, e.AttemptNumber, e.Status, e.DurationMS, e.Detail)
				}
			},
		},
	)

	dlqCmd := &cobra.Command{Use: "dlq", Short: "Inspect and recover dead-lettered tasks"}
	dlqCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List dead-letter entries",
			Run: func(cmd *cobra.Command, args []string) {
				store := initStore(cmd)
				defer store.Close()
				entries, err := store.ListDeadLetters("", 50, 0)
				if err != nil {
					fatalf("failed to list dead letters: %v", err)
				}
				if len(entries) == 0 {
					fmt.Println("Dead-letter queue is empty.")
					return
				}
				for _, e := range entries {
					fmt.Printf("- #%d run=%s step=%d retries=%d status=%s error=%s\n",
						e.ID, e.RunID, e.StepIndex, e.RetryCount, e.Status, e.ErrorSummary)
				}
			},
		},
		&cobra.Command{
			Use:   "retry [entry-id]",
			Short: "Re-enqueue a dead-lettered run",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					fatalf("invalid entry id: %v", err)
				}
				store := initStore(cmd)
				defer store.Close()
				logger := log.GetLogger()
				tasks := service.NewTaskService(store, logger, 0)
				dlq := service.NewDeadLetterService(store, tasks, logger)
				taskID, err := dlq.Retry(id)
				if err != nil {
					fatalf("failed to retry entry: %v", err)
				}
				fmt.Printf("Entry %d re-enqueued as task %s\n", id, taskID)
			},
		},
		&cobra.Command{
			Use:   "resolve [entry-id] [notes] [resolved-by]",
			Short: "Terminally resolve a dead-letter entry",
			Args:  cobra.ExactArgs(3),
			Run: func(cmd *cobra.Command, args []string) {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					fatalf("invalid entry id: %v", err)
				}
				store := initStore(cmd)
				defer store.Close()
				logger := log.GetLogger()
				tasks := service.NewTaskService(store, logger, 0)
				dlq := service.NewDeadLetterService(store, tasks, logger)
				if err := dlq.Resolve(id, args[1], args[2]); err != nil {
					fatalf("failed to resolve entry: %v", err)
				}
				fmt.Printf("Entry %d resolved\n", id)
			},
		},
	)

	rootCmd.AddCommand(serveCmd, runsCmd, dlqCmd)
}

func serve(store *internal_storage.PostgresStore, registry *service.Registry, port string, workers int) {
	logger := log.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks := service.NewTaskService(store, logger, 0)
	audit := service.NewAuditTrail(store, logger)
	limiter := service.NewRateLimiter(store, logger,
		service.QuotaRule{Kind: models.DailyWindow, Limit: 10},
		service.QuotaRule{Kind: models.WeeklyWindow, Limit: 25},
	)
	orchestrator := service.NewOrchestrator(store, limiter, audit, logger)
	dlq := service.NewDeadLetterService(store, tasks, logger)
	pool := service.NewWorkerPool(ctx, store, registry, orchestrator, dlq, logger)
	pool.Start(workers)
	defer pool.Stop()

	server := internal_http.NewServer(store, tasks, dlq, limiter, audit)
	go func() {
		if err := internal_http.StartServer(port, server); err != nil {
			logger.Errorf("HTTP server stopped: %v", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
	case <-ctx.Done():
	}
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil || dbConnStr == "" {
		fatalf("--db flag is required")
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		fatalf("failed to initialize store: %v", err)
	}
	return store
}

func fatalf(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
