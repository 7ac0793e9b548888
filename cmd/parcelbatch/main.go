package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dmorton/parcelbatch/constants"
	"github.com/dmorton/parcelbatch/internal/api"
	"github.com/dmorton/parcelbatch/internal/batch"
	"github.com/dmorton/parcelbatch/internal/common"
	"github.com/dmorton/parcelbatch/internal/ingest"
	"github.com/dmorton/parcelbatch/internal/poller"
	"github.com/dmorton/parcelbatch/internal/registry"
)

// app holds everything the subcommands share, wired once in rootCmd's
// PersistentPreRunE.
type app struct {
	cfg     *common.Config
	logger  *slog.Logger
	store   *registry.SQLiteStore
	jobs    *registry.Registry
	service *batch.Service
}

var a app

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "parcelbatch",
		Short:         "Submit and track batch land-valuation analysis jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// missing .env is fine; real deployments set the environment
			_ = godotenv.Load()

			a.cfg = common.LoadConfig()
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			level := slog.LevelInfo
			if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(a.logger)

			store, err := registry.OpenStore(a.cfg.State.DBPath, a.logger)
			if err != nil {
				return err
			}
			a.store = store

			jobs, err := registry.NewRegistry(cmd.Context(), store, a.logger)
			if err != nil {
				_ = store.Close()
				return err
			}
			a.jobs = jobs

			client := api.NewClient(a.cfg.API, nil, a.logger)
			pol := poller.New(jobs, client, a.cfg.Poll, a.logger)
			a.service = batch.NewService(client, jobs, pol, a.logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.store != nil {
				_ = a.store.Close()
			}
		},
	}

	root.AddCommand(
		submitCmd(),
		statusCmd(),
		watchCmd(),
		listCmd(),
		cancelCmd(),
		downloadCmd(),
		rmCmd(),
	)
	return root
}

func submitCmd() *cobra.Command {
	var (
		latCol   string
		lonCol   string
		priority string
		dryRun   bool
		watch    bool
	)
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a CSV/XLSX file as a new batch analysis job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			mapping := map[string]string{}
			if latCol != "" {
				mapping[latCol] = ingest.CanonicalColumns["latitude"]
			}
			if lonCol != "" {
				mapping[lonCol] = ingest.CanonicalColumns["longitude"]
			}
			if len(mapping) == 0 {
				// no explicit mapping: try to infer one from the header row,
				// and warn when nothing matches. Submission still proceeds;
				// the backend auto-detects common lat/lon aliases.
				headers, err := ingest.ParseHeaders(path)
				if err != nil {
					return err
				}
				inferred := ingest.InferColumnMapping(headers, ingest.RequiredMappingFields)
				for field, header := range inferred {
					mapping[header] = ingest.CanonicalColumns[field]
				}
				for _, field := range ingest.RequiredMappingFields {
					if _, ok := inferred[field]; !ok {
						fmt.Fprintf(os.Stderr, "warning: no %q column found in %v; relying on server-side auto-detection\n", field, headers)
					}
				}
			}

			rec, err := a.service.Submit(cmd.Context(), path, batch.SubmitOptions{
				Mapping:  mapping,
				Priority: constants.JobPriority(priority),
				Username: a.cfg.API.Username,
				DryRun:   dryRun,
			})
			if err != nil {
				return err
			}
			fmt.Printf("submitted job %s (%s, ~%d rows)\n", rec.JobID, rec.Filename, rec.TotalRows)

			if watch {
				outcome := a.service.Watch(cmd.Context(), rec.JobID)
				printRecord(a.jobs, rec.JobID)
				fmt.Println("watch finished:", outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&latCol, "lat-col", "", "source column holding latitude")
	cmd.Flags().StringVar(&lonCol, "lon-col", "", "source column holding longitude")
	cmd.Flags().StringVar(&priority, "priority", string(constants.JobPriorityNormal), "job priority: low, normal, high")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "skip image generation server-side")
	cmd.Flags().BoolVar(&watch, "watch", false, "poll the job until it resolves")
	return cmd
}

func statusCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a tracked job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if refresh {
				if _, err := a.service.Refresh(cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			if !printRecord(a.jobs, args[0]) {
				return fmt.Errorf("job %s is not tracked locally", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "fetch fresh progress before printing")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Poll jobs until they resolve (all in-flight jobs when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				outcome := a.service.Watch(cmd.Context(), args[0])
				printRecord(a.jobs, args[0])
				fmt.Println("watch finished:", outcome)
				return nil
			}
			if n := a.service.ResumeTracking(); n == 0 {
				fmt.Println("no jobs in flight")
				return nil
			}
			a.service.Wait()
			for _, rec := range a.service.ListLocal() {
				printRecordLine(rec)
			}
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var (
		remote bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batch jobs (local registry, or the server's view with --remote)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				jobs, err := a.service.ListRemote(cmd.Context(), limit)
				if err != nil {
					return err
				}
				for _, j := range jobs {
					fmt.Printf("%s  %-10s  %s  %d/%d rows\n", j.JobID, j.Status, j.Filename, j.CompletedRows, j.TotalRows)
				}
				return nil
			}
			recs := a.service.ListLocal()
			if len(recs) == 0 {
				fmt.Println("no tracked jobs")
				return nil
			}
			for _, rec := range recs {
				printRecordLine(rec)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "list jobs as the server knows them")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list with --remote")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.service.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("cancel requested for", args[0])
			return nil
		},
	}
}

func downloadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Download the finished result CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = fmt.Sprintf("analysis_results_%s.csv", args[0])
			}
			n, err := a.service.Download(cmd.Context(), args[0], out)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes)\n", out, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default analysis_results_<job-id>.csv)")
	return cmd
}

func rmCmd() *cobra.Command {
	var terminal bool
	cmd := &cobra.Command{
		Use:   "rm [job-id]",
		Short: "Forget a job locally (--terminal sweeps all finished jobs)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if terminal {
				n := 0
				for _, rec := range a.service.ListLocal() {
					if rec.Terminal() && a.service.Remove(cmd.Context(), rec.JobID) {
						n++
					}
				}
				fmt.Printf("removed %d finished job(s)\n", n)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("a job id or --terminal is required")
			}
			if !a.service.Remove(cmd.Context(), args[0]) {
				return fmt.Errorf("job %s is not tracked locally", args[0])
			}
			fmt.Println("removed", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&terminal, "terminal", false, "remove every completed/failed/cancelled job")
	return cmd
}

func printRecord(jobs *registry.Registry, jobID string) bool {
	rec, ok := jobs.Get(jobID)
	if !ok {
		return false
	}
	printRecordLine(rec)
	return true
}

func printRecordLine(rec registry.JobRecord) {
	line := fmt.Sprintf("%s  %-10s  %s  %d/%d rows", rec.JobID, rec.Status, rec.Filename, rec.CompletedRows, rec.TotalRows)
	if rec.FailedRows > 0 {
		line += fmt.Sprintf("  (%d failed)", rec.FailedRows)
	}
	if rec.Error != "" {
		line += "  " + rec.Error
	}
	fmt.Println(line)
}
