package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/memory"
)

func executeCLI() error {
	root := buildRootCommand()
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand() *cobra.Command {
	var showVersion bool
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Persona memory store with budgeted recall, consolidation and archival",
		Long: strings.TrimSpace(`soulmem manages the long-term memory of one persona.

Ingest the interaction log, recall memories under a budget, consolidate raw
experience into durable facts, archive cold records into immutable segments,
and reconcile store flags against later policy events.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Config file (default ~/.soulseed/config.json or $SOULSEED_CONFIG)")
	pf.StringVar(&g.workspace, "workspace", "", "Workspace directory holding persona stores")
	pf.StringVarP(&g.persona, "persona", "p", "", "Persona whose store to open")
	pf.StringVar(&g.eventLog, "events", "", "Interaction log (JSONL) to read events from")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(newIngestCommand(g))
	root.AddCommand(newRecallCommand(g))
	root.AddCommand(newConsolidateCommand(g))
	root.AddCommand(newArchiveCommand(g))
	root.AddCommand(newRehydrateCommand(g))
	root.AddCommand(newReconcileCommand(g))
	root.AddCommand(newBudgetCommand(g))
	root.AddCommand(newTraceCommand(g))
	root.AddCommand(newMaintainCommand(g))
	root.AddCommand(newShellCommand(g))
	root.AddCommand(newVersionCommand())

	return root
}

func withSession(cmd *cobra.Command, g *globalOptions, fn func(ctx context.Context, s *session) error) error {
	s, err := openSession(g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, s)
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  soulmem version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func newIngestCommand(g *globalOptions) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest the interaction log into the persona store",
		Long:  "Read every event of the interaction log and store new message events as memory records. Re-ingesting the same log is a no-op.",
		Example: strings.Join([]string{
			"  soulmem ingest",
			"  soulmem ingest --events ./events.jsonl --strict",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				s.events.Strict = strict
				created, failed, err := s.svc.IngestAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d new records from %s (%d rejected)\n", created, s.events.Path(), failed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail on the first malformed log line")
	return cmd
}

func newRecallCommand(g *globalOptions) *cobra.Command {
	var (
		maxItems int
		maxChars int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Recall memories for a query under a budget",
		Example: strings.Join([]string{
			"  soulmem recall \"where does the user live\"",
			"  soulmem recall --max-items 3 --json \"birthday\"",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			budget := memory.RecallBudget{MaxItems: maxItems, MaxChars: maxChars}
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				res, err := s.svc.Recall(ctx, query, budget)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), res.Trace)
				}
				printRecall(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxItems, "max-items", 0, "Maximum memories to return (0 uses the configured budget)")
	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "Maximum characters to return (0 uses the configured budget)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full recall trace as JSON")
	return cmd
}

func printRecall(w io.Writer, res memory.RecallResult) {
	if len(res.SelectedContents) == 0 {
		fmt.Fprintln(w, "No memories recalled.")
	}
	for i, content := range res.SelectedContents {
		fmt.Fprintf(w, "%d. %s  [%s]\n", i+1, content, res.SelectedIDs[i])
	}
	stop := res.Trace.StopReason
	if stop == "" {
		stop = "none"
	}
	fmt.Fprintf(w, "trace: %s (stop: %s)\n", res.TraceID, stop)
}

func newConsolidateCommand(g *globalOptions) *cobra.Command {
	var (
		mode    string
		fromLog bool
		since   int64
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Distill raw records into durable semantic facts",
		Long:  "Run one consolidation pass. The semantic mode calls the configured extractor and falls back to pattern extraction when it is unavailable.",
		Example: strings.Join([]string{
			"  soulmem consolidate",
			"  soulmem consolidate --mode semantic",
			"  soulmem consolidate --from-log --since -1",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				if mode == "" {
					mode = s.cfg.Memory.ConsolidationMode
				}
				run, err := s.svc.RunConsolidation(ctx, memory.ConsolidationOptions{
					Trigger: "cli",
					Mode:    memory.ConsolidationMode(mode),
					Limit:   limit,
					SinceMS: since,
					FromLog: fromLog,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Run %s (%s): scanned %d, inserted %d, superseded %d\n",
					run.RunID, run.Path, run.Scanned, run.Inserted, run.Superseded)
				if run.FallbackReason != "" {
					fmt.Fprintf(out, "  fallback: %s\n", run.FallbackReason)
				}
				for _, c := range run.Candidates {
					if c.Accepted {
						fmt.Fprintf(out, "  + %s\n", c.Content)
						continue
					}
					fmt.Fprintf(out, "  - %s (%s)\n", c.Content, c.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Extraction path: pattern or semantic (default from config)")
	cmd.Flags().BoolVar(&fromLog, "from-log", false, "Scan message events from the interaction log instead of stored records")
	cmd.Flags().Int64Var(&since, "since", 0, "Scan records created after this unix-ms timestamp (0 resumes, -1 rescans everything)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records to scan")
	return cmd
}

func newArchiveCommand(g *globalOptions) *cobra.Command {
	var th memory.ArchivalThresholds

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move idle low-salience records into an immutable segment",
		Example: strings.Join([]string{
			"  soulmem archive",
			"  soulmem archive --idle-days 14 --min-items 10",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				res, err := s.svc.RunArchival(ctx, th)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.SkippedReason != "" {
					fmt.Fprintf(out, "Archival skipped: %s (live %d, eligible %d, cold ratio %.2f)\n",
						res.SkippedReason, res.Stats.Live, res.Stats.Eligible, res.Stats.ColdRatio)
					return nil
				}
				fmt.Fprintf(out, "Archived %d records into %s (%d bytes)\n", res.Stats.Archived, res.SegmentPath, res.Stats.Bytes)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&th.IdleDays, "idle-days", 0, "Minimum days since last activation (0 default, -1 none)")
	f.IntVar(&th.MinItems, "min-items", 0, "Minimum eligible records before archiving (0 default, -1 none)")
	f.Float64Var(&th.MinColdRatio, "min-cold-ratio", 0, "Minimum eligible/live ratio before archiving (0 default, -1 none)")
	f.IntVar(&th.MaxItems, "max-items", 0, "Maximum records per segment (0 default, -1 no cap)")
	f.Float64Var(&th.MaxSalience, "max-salience", 0, "Highest salience still eligible (0 default, -1 for zero)")
	return cmd
}

func newRehydrateCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rehydrate <record-id>",
		Short:   "Restore an archived record from its segment",
		Example: "  soulmem rehydrate mem-3f1c...",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				rec, err := s.svc.Rehydrate(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rehydrated %s (%s): %s\n", rec.ID, rec.State, rec.Content)
				return nil
			})
		},
	}
}

func newReconcileCommand(g *globalOptions) *cobra.Command {
	var (
		patterns []string
		dryRun   bool
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair store flags that drifted from logged policy decisions",
		Example: strings.Join([]string{
			"  soulmem reconcile --dry-run",
			"  soulmem reconcile --pattern 'memory.credibility_*'",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				if len(patterns) == 0 {
					patterns = s.cfg.Memory.ReconcilePatterns
				}
				res, err := s.svc.RunReconciliation(ctx, memory.ReconcileOptions{
					EventPatterns: patterns,
					DryRun:        dryRun,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				label := "Repaired"
				if dryRun {
					label = "Would repair"
				}
				fmt.Fprintf(out, "Scanned %d policy events. %s %d, unmapped %d\n", res.Scanned, label, res.Repaired, res.Unmapped)
				if verbose {
					for _, d := range res.Details {
						fmt.Fprintf(out, "  %s %s -> %s %s\n", d.EventType, d.EventHash, d.Outcome, d.Note)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&patterns, "pattern", nil, "Event type glob to reconcile (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report drift without writing repairs")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Print one line per policy event")
	return cmd
}

func newBudgetCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "budget",
		Short:   "Report row counts, storage size and yearly growth projection",
		Example: "  soulmem budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				report, err := s.svc.InspectBudget(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newTraceCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "trace <trace-id>",
		Short:   "Print a stored recall trace as JSON",
		Example: "  soulmem trace rt-9a2b...",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				trace, err := s.svc.GetRecallTrace(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), trace)
			})
		},
	}
}

func newMaintainCommand(g *globalOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run scheduled consolidation, archival and reconciliation",
		Long:  "Run the maintenance scheduler in the foreground until interrupted. The cron expressions come from the maintenance section of the config.",
		Example: strings.Join([]string{
			"  soulmem maintain",
			"  soulmem maintain --once",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				out := cmd.OutOrStdout()
				if once {
					return runMaintenanceOnce(ctx, s, out)
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				s.svc.StartMaintenance()
				fmt.Fprintf(out, "%s maintenance running for persona %q (Ctrl+C to stop)\n", appName, s.cfg.Persona)
				<-ctx.Done()
				fmt.Fprintln(out, "\nShutting down...")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run every pass once and exit")
	return cmd
}

func runMaintenanceOnce(ctx context.Context, s *session, out io.Writer) error {
	run, err := s.svc.RunConsolidation(ctx, memory.ConsolidationOptions{
		Trigger: "cli",
		Mode:    memory.ConsolidationMode(s.cfg.Memory.ConsolidationMode),
	})
	if err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}
	fmt.Fprintf(out, "consolidate: inserted %d, superseded %d\n", run.Inserted, run.Superseded)

	arc, err := s.svc.RunArchival(ctx, memory.ArchivalThresholds{})
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if arc.SkippedReason != "" {
		fmt.Fprintf(out, "archive: skipped (%s)\n", arc.SkippedReason)
	} else {
		fmt.Fprintf(out, "archive: %d records\n", arc.Stats.Archived)
	}

	rec, err := s.svc.RunReconciliation(ctx, memory.ReconcileOptions{EventPatterns: s.cfg.Memory.ReconcilePatterns})
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	fmt.Fprintf(out, "reconcile: repaired %d, unmapped %d\n", rec.Repaired, rec.Unmapped)
	return nil
}
