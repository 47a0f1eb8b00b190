package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"petprep/config"
	"petprep/database"
	"petprep/detectors"
	"petprep/features"
	"petprep/imageprocessor"
	"petprep/logging"
	"petprep/obfuscator"
	"petprep/oracle"
	"petprep/pipeline"
	"petprep/report"
	"petprep/signalhandler"
	"petprep/types"
	"petprep/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli holds the state shared by every command
type cli struct {
	v       *viper.Viper
	cfgFile string
	out     io.Writer
}

func newRootCommand(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}

	root := &cobra.Command{
		Use:           "petprep",
		Short:         "Prepare pet photo dumps for annotation",
		Long:          "Removes same-session duplicate photos and hides human faces in the remaining images.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is ./petprep.yaml, ./config/petprep.yaml or ~/.petprep/petprep.yaml)")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("workspace", "", "workspace directory")
	flags.String("input", "", "folder to scan instead of the workspace download folder")
	flags.String("database", "", "run state database")
	flags.String("log-file", "", "also write logs to this file")
	flags.Int("limit", 0, "process at most this many images (testing mode)")
	flags.Bool("dry-run", false, "print the plan and stop")
	flags.String("threshold", "", "duplicate similarity threshold between 0 and 1")
	flags.String("method", "", "anonymization method: egoblur, gaussian, pixelate or solid")
	flags.Int("workers", 0, "obfuscation worker count")
	for _, name := range []string{"debug", "workspace", "input", "database", "log-file", "limit", "dry-run", "threshold", "method", "workers"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		c.runCommand(),
		c.stageCommand("dedup", "Find duplicates and segregate the input", true, false),
		c.stageCommand("obfuscate", "Obfuscate faces in the unique images", false, true),
		c.configCommand(),
		c.statusCommand(),
	)
	return root
}

func (c *cli) runCommand() *cobra.Command {
	var dedup, obfuscate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run deduplication, obfuscation and consolidation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.execute(cmd.Context(), dedup, obfuscate)
		},
	}
	cmd.Flags().BoolVar(&dedup, "dedup", true, "run the deduplication stage")
	cmd.Flags().BoolVar(&obfuscate, "obfuscate", true, "run the obfuscation stage")
	return cmd
}

func (c *cli) stageCommand(use, short string, dedup, obfuscate bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.execute(cmd.Context(), dedup, obfuscate)
		},
	}
}

func (c *cli) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			cfg.Print(c.out)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.ValidateDetectors(); err != nil {
				fmt.Fprintf(c.out, "\nObfuscation is not ready:\n%v\n", err)
				return nil
			}
			fmt.Fprintln(c.out, "\nConfiguration is valid.")
			return nil
		},
	}
}

func (c *cli) statusCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show recent runs or the state of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			store, err := database.InitDatabase(cfg.Database())
			if err != nil {
				return fmt.Errorf("cannot open run database: %w", err)
			}
			defer store.Close()

			if len(args) == 0 {
				runs, err := store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintln(c.out, "No runs recorded.")
				}
				for _, r := range runs {
					fmt.Fprintf(c.out, "%s  %-9s  %s  %d images\n", r.ID, r.Status, r.StartedAt.Local().Format(time.DateTime), r.TotalImages)
				}
				return nil
			}

			state, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRunState(c.out, state)
			counts, err := store.ActionCounts(cmd.Context(), state.ID)
			if err != nil {
				return err
			}
			if len(counts) > 0 {
				fmt.Fprintln(c.out, "  Stored results:")
				for _, a := range []types.Action{types.ActionObfuscated, types.ActionNoFace, types.ActionQARequired, types.ActionFailed, types.ActionSkipped} {
					fmt.Fprintf(c.out, "    %-12s %d\n", a, counts[a])
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "last", 10, "number of runs to list")
	return cmd
}

// loadConfig discovers the config file with viper, loads it with env
// overrides and applies the command line flags last
func (c *cli) loadConfig() (*config.Config, error) {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else {
		c.v.SetConfigName("petprep")
		c.v.SetConfigType("yaml")
		c.v.AddConfigPath(".")
		c.v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			c.v.AddConfigPath(filepath.Join(home, ".petprep"))
		}
	}

	path := ""
	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if c.cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else {
		path = c.v.ConfigFileUsed()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.applyFlags(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) applyFlags(cfg *config.Config) error {
	if c.v.GetBool("debug") {
		cfg.Debug = true
	}
	if c.v.GetBool("dry-run") {
		cfg.DryRun = true
	}
	if s := c.v.GetString("workspace"); s != "" {
		cfg.WorkspaceDir = s
	}
	if s := c.v.GetString("input"); s != "" {
		cfg.InputDir = s
	}
	if s := c.v.GetString("database"); s != "" {
		cfg.DatabasePath = s
	}
	if s := c.v.GetString("log-file"); s != "" {
		cfg.LogFile = s
	}
	if n := c.v.GetInt("limit"); n > 0 {
		cfg.LimitImages = n
	}
	if s := c.v.GetString("threshold"); s != "" {
		threshold, err := utils.ParseThreshold(s)
		if err != nil {
			return err
		}
		cfg.Dedup.SimilarityThreshold = threshold
	}
	if s := c.v.GetString("method"); s != "" {
		cfg.Face.Method = s
	}
	if n := c.v.GetInt("workers"); n > 0 {
		cfg.Workers.NumWorkers = n
	}
	return nil
}

// execute wires the collaborators of a run and runs it
func (c *cli) execute(ctx context.Context, dedup, obfuscate bool) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if err := logging.SetupLogger(cfg.LogFile, cfg.Debug); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to setup logging: %v\n", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if obfuscate {
		if err := cfg.ValidateDetectors(); err != nil {
			return err
		}
	}
	if cfg.Dedup.ExtractWorkers == 0 {
		cfg.Dedup.ExtractWorkers = signalhandler.GetOptimalProcs()
	}

	opts := pipeline.RunOptions{Dedup: dedup, Obfuscate: obfuscate, Output: c.out, OnEvent: c.printEvent}

	if cfg.DryRun {
		cfg.Print(c.out)
		fmt.Fprintln(c.out)
		plan, err := pipeline.NewPlan(cfg, opts)
		if err != nil {
			return err
		}
		plan.Print(c.out)
		return nil
	}

	provider, err := detectors.NewProvider(cfg, detectors.Needs{Segmentation: dedup, Faces: obfuscate, Animals: obfuscate})
	if err != nil {
		return err
	}
	defer provider.Close()

	loader := imageprocessor.NewImageLoaderRegistry()
	deps := pipeline.Deps{Loader: loader, Report: report.WriteDedupReport}

	if dedup {
		deps.Extractor = features.NewExtractor(loader, provider)
		if cfg.Oracle.Enabled {
			messenger, err := oracle.NewAnthropicMessenger(cfg.Oracle.APIKey, cfg.Oracle.Model)
			if err != nil {
				return err
			}
			deps.Oracle = oracle.NewValidator(messenger, loader, oracle.NewBudget(cfg.Oracle.MaxValidations), cfg.Oracle.Timeout)
			logging.LogInfo("Duplicate oracle enabled with %s, budget %d", cfg.Oracle.Model, cfg.Oracle.MaxValidations)
		}
	}

	if obfuscate {
		anonymizer, err := obfuscator.NewAnonymizer(cfg.Face)
		if err != nil {
			return err
		}
		deps.Obfuscator = obfuscator.NewEngine(loader, provider, provider, anonymizer, obfuscator.OptionsFromConfig(cfg))
	}

	if err := utils.EnsureDirs(cfg.WorkspaceDir, filepath.Dir(cfg.Database())); err != nil {
		return err
	}
	store, err := database.InitDatabase(cfg.Database())
	if err != nil {
		return fmt.Errorf("cannot open run database: %w", err)
	}
	defer store.Close()
	deps.Store = store

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := signalhandler.SetupHandler(cancel)
	defer stop()

	manifest, err := pipeline.New(cfg, deps).Run(ctx, opts)
	if manifest != nil {
		printManifest(c.out, manifest)
	}
	return err
}

func (c *cli) printEvent(e pipeline.Event) {
	switch e.Kind {
	case pipeline.EventStageStarted:
		fmt.Fprintf(c.out, "\n==> %s\n", e.Stage)
	case pipeline.EventStageFinished:
		if e.Message != "" {
			fmt.Fprintf(c.out, "    %s\n", e.Message)
		}
	}
}

func printRunState(w io.Writer, s types.RunState) {
	fmt.Fprintf(w, "Run %s\n", s.ID)
	fmt.Fprintf(w, "  Status:     %s\n", s.Status)
	fmt.Fprintf(w, "  Stage:      %s (%d/%d)\n", s.Stage, s.Done, s.Total)
	fmt.Fprintf(w, "  Started:    %s\n", s.StartedAt.Local().Format(time.DateTime))
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  Finished:   %s (%v)\n", s.FinishedAt.Local().Format(time.DateTime), s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	}
	if s.Error != "" {
		fmt.Fprintf(w, "  Error:      %s\n", s.Error)
	}
	fmt.Fprintf(w, "  Images:     %d total, %d unique, %d duplicates\n", s.TotalImages, s.UniqueImages, s.DuplicateImages)
	if s.Counters.Total > 0 {
		c := s.Counters
		fmt.Fprintf(w, "  Obfuscation: %d obfuscated, %d clean, %d QA required (%d verification failed), %d failed, %d skipped\n",
			c.Obfuscated, c.Clean, c.QARequired, c.VerificationFailed, c.Failed, c.Skipped)
	}
}

func printManifest(w io.Writer, m *pipeline.Manifest) {
	fmt.Fprintf(w, "\nRun %s %s\n", m.RunID, m.Status)
	if m.Dedup != nil {
		fmt.Fprintf(w, "  Deduplication: %d images, %d unique, %d duplicates in %d clusters (compression %s)\n",
			m.Dedup.TotalImages, m.Dedup.UniqueImages, m.Dedup.DuplicateImages, m.Dedup.Clusters, m.Dedup.CompressionRatio)
	}
	if s := m.Statistics; s != nil {
		fmt.Fprintf(w, "  Obfuscation:   %d obfuscated, %d clean, %d QA required, %d failed, %d skipped\n",
			s.Obfuscated, s.Clean, s.QARequired, s.Failed, s.Skipped)
	}
	if m.CounterMismatch != "" {
		fmt.Fprintf(w, "  Warning:       %s\n", m.CounterMismatch)
	}
	if m.Final != nil {
		fmt.Fprintf(w, "  Final output:  %d images\n", m.Final.TotalFinalImages)
	}
}
