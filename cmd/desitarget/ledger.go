package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"desitarget/internal/app"
	"desitarget/internal/config"
	"desitarget/internal/db"
	"desitarget/internal/domain"
	"desitarget/internal/engine"
	"desitarget/internal/migrate"
	"desitarget/internal/repo"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "desitarget.yml picks the survey, an optional masks_file override, observing conditions and batch settings.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config and load its target masks",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(func(*config.Config, *engine.Engine) error { return nil })
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default desitarget.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			survey := viper.GetString("survey")
			if survey == "" {
				survey = "main"
			}
			if _, err := config.FromYAML([]byte(config.GenerateDefault(survey))); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(survey)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func finalizeCmd() *cobra.Command {
	var workers int
	var darkBright bool
	cmd := &cobra.Command{
		Use:   "finalize <src> [dest]",
		Short: "Fill in PRIORITY_INIT and NUMOBS_INIT for target files",
		Long: `Finalize reads every target file under src (a file or a directory tree),
computes TARGETID, OBSCONDITIONS, PRIORITY_INIT and NUMOBS_INIT, and records the
results in the workspace ledger. With dest, finalized files are written there.
A file that fails is logged and skipped; the others still run.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := ""
			if len(args) == 2 {
				dest = args[1]
			}
			if err := app.EnsureDest(dest); err != nil {
				return err
			}
			return withEngine(func(cfg *config.Config, eng *engine.Engine) error {
				workspace := viper.GetString("workspace")
				conn, err := db.Open(db.Config{Workspace: workspace})
				if err != nil {
					return err
				}
				defer conn.Close()
				if err := migrate.Migrate(conn); err != nil {
					return err
				}
				p := app.NewPipeline(conn, eng, logger)
				if err := p.Configure(cfg); err != nil {
					return err
				}
				if cmd.Flags().Changed("workers") {
					p.Runner.Workers = workers
				}
				if cmd.Flags().Changed("dark-bright") {
					p.DarkBright = darkBright
				}
				run, rep, err := p.Finalize(cmd.Context(), args[0], dest)
				if err != nil {
					return err
				}
				for _, f := range rep.Failures {
					logger.Warn("file skipped", zap.String("file", f.Unit), zap.Error(f.Err))
				}
				if err := printJSONOrTable(run); err != nil {
					return err
				}
				if run.Status == domain.RunFailed {
					return errors.New("every file failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "files processed in parallel (default from config)")
	cmd.Flags().BoolVar(&darkBright, "dark-bright", false, "also compute *_DARK and *_BRIGHT initial values")
	return cmd
}

func targetsCmd() *cobra.Command {
	t := &cobra.Command{Use: "targets", Short: "Query finalized targets"}
	t.AddCommand(targetsGetCmd())
	t.AddCommand(targetsListCmd())
	return t
}

func targetsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <targetid>",
		Short: "Show one finalized target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid targetid %q", args[0])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec, err := r.GetTarget(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{"target": rec}
				// Decode against the configured masks when they match the record.
				_ = withEngine(func(_ *config.Config, eng *engine.Engine) error {
					if eng.Survey() == rec.Survey {
						out["obsconditions_names"] = eng.Registry.ObsNames(rec.ObsConditions)
						out["targetid_fields"] = eng.Registry.TargetID().Decode(rec.TargetID)
					}
					return nil
				})
				return printJSONOrTable(out)
			})
		},
	}
}

func targetsListCmd() *cobra.Command {
	var f repo.TargetFilters
	var minPriority int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List finalized targets, highest PRIORITY_INIT first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("min-priority") {
				f.MinPriority = &minPriority
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTargets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TargetID", "Survey", "Priority Init", "NumObs Init", "ObsConditions", "Unit"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.TargetID, t.Survey, t.PriorityInit, t.NumObsInit, t.ObsConditions, t.Unit})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Survey, "survey-filter", "", "survey filter")
	cmd.Flags().StringVar(&f.RunID, "run", "", "run id filter")
	cmd.Flags().IntVar(&minPriority, "min-priority", 0, "minimum PRIORITY_INIT")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func runsCmd() *cobra.Command {
	r := &cobra.Command{Use: "runs", Short: "Batch runs"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				// Later runs overwrite targets, so stored can be below Targets.
				stored, err := r.CountTargetsByRun(ctx)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Survey", "Status", "Units", "Failed", "Targets", "Stored", "Started"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.Survey, run.Status, run.Units, run.Failed, run.Targets, stored[run.ID], run.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	r.AddCommand(list)
	return r
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every run start and finish, each file's outcome, and mask reloads while serving.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var runID, evtType string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, runID, evtType)
				if err != nil {
					return err
				}
				if !follow {
					return printJSONOrTable(events)
				}
				var cursor int64
				for i := len(events) - 1; i >= 0; i-- {
					printJSON(events[i])
					cursor = max(cursor, events[i].ID)
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := r.EventsAfter(ctx, 100, cursor, runID)
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						return err
					}
					for _, e := range next {
						cursor = e.ID
						if evtType == "" || e.Type == evtType {
							printJSON(e)
						}
					}
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}
