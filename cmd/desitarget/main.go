package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"desitarget/internal/app"
	"desitarget/internal/config"
	"desitarget/internal/db"
	"desitarget/internal/engine"
	"desitarget/internal/logging"
	"desitarget/internal/migrate"
	"desitarget/internal/repo"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "desitarget",
	Short: "DESI target priorities and observation counts",
	Long: `desitarget assigns observing priorities and requested observation counts to
DESI targets from their target bitmasks.
- Masks: named bits (LRG, QSO, BGS_BRIGHT, ...) grouped per survey (main, cmx, svN).
- Priorities: per bit and observation state; DONOTOBSERVE beats MORE beats DONE,
  otherwise the highest value wins. SAME_AS_<BIT> reuses another bit's rule.
- NumObs: per bit; the highest applicable value wins.
- Finalize: batch over target files, writing PRIORITY_INIT/NUMOBS_INIT and
  recording every target in the workspace ledger.
- Event log: runs and per-file outcomes, view with 'desitarget log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		level, format := "info", "json"
		if cfg, err := config.LoadOptional(workspace); err == nil && cfg != nil {
			level, format = cfg.Logging.Level, cfg.Logging.Format
		}
		l, err := logging.New(level, format, viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DESITARGET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("survey", "s", "", "survey (main, cmx, svN); overrides desitarget.yml")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("survey", rootCmd.PersistentFlags().Lookup("survey"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(masksCmd())
	rootCmd.AddCommand(bitCmd())
	rootCmd.AddCommand(priorityCmd())
	rootCmd.AddCommand(numobsCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(targetIDCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(finalizeCmd())
	rootCmd.AddCommand(targetsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- helpers ---

func resolveConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("survey"))
}

func withEngine(fn func(*config.Config, *engine.Engine) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	eng, err := app.LoadEngine(viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	return fn(cfg, eng)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
