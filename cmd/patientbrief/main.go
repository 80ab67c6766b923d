package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/PatientBrief/internal/config"
	"github.com/TobiSchelling/PatientBrief/internal/content"
	"github.com/TobiSchelling/PatientBrief/internal/database"
	"github.com/TobiSchelling/PatientBrief/internal/evaluate"
	"github.com/TobiSchelling/PatientBrief/internal/intake"
	"github.com/TobiSchelling/PatientBrief/internal/logging"
	"github.com/TobiSchelling/PatientBrief/internal/mcptool"
	"github.com/TobiSchelling/PatientBrief/internal/pipeline"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
	"github.com/TobiSchelling/PatientBrief/internal/server"
	"github.com/TobiSchelling/PatientBrief/internal/sources"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = zap.NewNop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "patientbrief",
	Short:   "Personalized dental implant treatment reports",
	Long:    "PatientBrief turns a patient questionnaire into a personalized, clinically reviewed treatment report.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "DEBUG"
		}
		logger, err = logging.New(level)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(contentCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("patientbrief", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/patientbrief/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the LLM provider, source feeds and quality thresholds.")
		fmt.Println("Then run 'patientbrief content starter' to load the starter content library.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Content:")
		fmt.Printf("  Items: %d\n", stats.ContentItems)
		fmt.Printf("  Generated: %d\n", stats.GeneratedItems)
		fmt.Println("\nSources:")
		fmt.Printf("  Documents: %d\n", stats.SourceDocuments)
		fmt.Printf("  With text: %d\n", stats.SourcesWithContent)
		fmt.Println("\nReports:")
		fmt.Printf("  Total: %d\n", stats.Reports)
		fmt.Printf("  Deliverable: %d\n", stats.DeliverableReports)
		fmt.Printf("  Audit records: %d\n", stats.AuditRecords)
		fmt.Printf("  Failed content gaps: %d\n", stats.FailedGaps)
		return nil
	},
}

// --- generate command ---

var (
	dryRun     bool
	outputPath string
)

var generateCmd = &cobra.Command{
	Use:   "generate <intake.json>",
	Short: "Generate a report: derive -> tone -> scenarios -> select -> gaps -> compose -> evaluate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		answers, err := intake.LoadFile(args[0])
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe, err := newPipeline(db)
		if err != nil {
			return err
		}
		defer pipe.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var result *pipeline.Result
		var runErr error
		if dryRun {
			result = pipe.DryRun(ctx, answers)
		} else {
			result, runErr = pipe.Generate(ctx, answers)
		}
		if result != nil {
			printSteps(result)
		}
		if runErr != nil {
			var missing *pipeline.MissingContentError
			if errors.As(runErr, &missing) {
				fmt.Printf("\nMissing content (tone %s, language %s):\n", missing.Tone, missing.Language)
				for _, id := range missing.IDs {
					fmt.Printf("  %s\n", id)
				}
			}
			return runErr
		}
		if dryRun {
			return nil
		}

		fmt.Printf("\nReport %s: %s", result.ReportID, result.Evaluation.Outcome)
		if !result.Deliverable {
			fmt.Print(" (not deliverable)")
		}
		fmt.Println()
		if result.Audit != nil {
			for _, w := range result.Audit.Warnings {
				fmt.Printf("  Warning: %s\n", w)
			}
		}

		if outputPath != "" {
			if err := os.WriteFile(outputPath, []byte(result.Markdown), 0o644); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			fmt.Printf("Written to %s\n", outputPath)
		} else {
			fmt.Println("Run 'patientbrief serve' to view the report.")
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show tone, scenarios and missing content without generating")
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the report markdown to a file")
}

func printSteps(result *pipeline.Result) {
	for i, step := range result.Steps {
		fmt.Printf("\nStep %d: %s\n", i+1, step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
}

// --- content command ---

var (
	importLanguage string
	importTone     string
)

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Manage the content library",
}

var contentImportCmd = &cobra.Command{
	Use:   "import <manifest.yaml>",
	Short: "Import a YAML content manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st content.Store) error {
			n, err := content.ImportFile(ctx, st, args[0], importLanguage, importTone)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d content items from %s\n", n, args[0])
			return nil
		})
	},
}

var contentStarterCmd = &cobra.Command{
	Use:   "starter",
	Short: "Import the built-in starter content library",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, st content.Store) error {
			n, err := content.ImportStarter(ctx, st, importLanguage, importTone)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d starter content items\n", n)
			return nil
		})
	},
}

var contentListCmd = &cobra.Command{
	Use:   "list [type]",
	Short: "List content items, optionally of one type",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		types := []string{rules.TypeScenario, rules.TypeAlert, rules.TypeBuildingBlock, rules.TypeModule, rules.TypeStatic}
		if len(args) == 1 {
			types = args
		}
		return withStore(func(ctx context.Context, st content.Store) error {
			for _, typ := range types {
				items, err := st.ListByType(ctx, typ, importLanguage)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					continue
				}
				sort.Slice(items, func(i, j int) bool {
					if items[i].ID != items[j].ID {
						return items[i].ID < items[j].ID
					}
					return items[i].Tone < items[j].Tone
				})
				fmt.Printf("%s (%d):\n", typ, len(items))
				for _, it := range items {
					fmt.Printf("  %-28s %-5s %-3s %s\n", it.ID, it.Tone, it.Language, it.Origin)
				}
			}
			return nil
		})
	},
}

func init() {
	contentCmd.PersistentFlags().StringVar(&importLanguage, "language", "", "Language (default: content.default_language)")
	contentImportCmd.Flags().StringVar(&importTone, "tone", "", "Tone for items without one (default: neutral tone)")
	contentStarterCmd.Flags().StringVar(&importTone, "tone", "", "Tone for items without one (default: neutral tone)")
	contentCmd.AddCommand(contentImportCmd)
	contentCmd.AddCommand(contentStarterCmd)
	contentCmd.AddCommand(contentListCmd)
}

func withStore(fn func(ctx context.Context, st content.Store) error) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rs, err := loadRules()
	if err != nil {
		return err
	}
	if importLanguage == "" {
		importLanguage = cfg.Content.DefaultLanguage
	}
	if importTone == "" {
		importTone = rs.ToneRules.DefaultTone
	}
	return fn(context.Background(), content.NewSQLiteStore(db, rs, cfg.Content.DefaultLanguage))
}

// --- sources command ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Ingest reference material for generated content",
}

var sourcesIngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Read configured feeds and fetch the full text of new entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println("Ingesting source material...")
		result, err := sources.NewIngester(cfg.Sources, db, logger).Ingest(ctx)
		if err != nil {
			return err
		}

		fmt.Println("\nIngestion complete:")
		fmt.Printf("  Total found: %d\n", result.Found)
		fmt.Printf("  New documents: %d\n", result.New)
		fmt.Printf("  Duplicates skipped: %d\n", result.Duplicates)
		fmt.Printf("  Full text fetched: %d (%d failed)\n", result.Fetched, result.FetchFailed)

		if len(result.Sources) > 0 {
			fmt.Println("\nDocuments by source:")
			type kv struct {
				key string
				val int
			}
			var sorted []kv
			for k, v := range result.Sources {
				sorted = append(sorted, kv{k, v})
			}
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].val > sorted[j].val })
			for _, s := range sorted {
				fmt.Printf("  %s: %d\n", s.key, s.val)
			}
		}
		return nil
	},
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add <url> [name]",
	Short: "Fetch one page and store it as a source document",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		id, err := sources.NewIngester(cfg.Sources, db, logger).AddURL(context.Background(), args[0], name)
		if err != nil {
			return err
		}
		if id == 0 {
			fmt.Printf("Already stored: %s\n", args[0])
			return nil
		}
		fmt.Printf("Added source [%d]: %s\n", id, args[0])
		return nil
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesIngestCmd)
	sourcesCmd.AddCommand(sourcesAddCmd)
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var gen server.Generator
		pipe, err := newPipeline(db)
		switch {
		case errors.Is(err, evaluate.ErrEvaluatorMisconfigured):
			logger.Warn("report generation disabled", zap.Error(err))
		case err != nil:
			return err
		default:
			defer pipe.Close()
			gen = pipe
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, db, gen, port, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default: server.port)")
}

// --- mcp command ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the report tools over MCP on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var runner mcptool.Runner
		pipe, err := newPipeline(db)
		switch {
		case errors.Is(err, evaluate.ErrEvaluatorMisconfigured):
			logger.Warn("report generation disabled", zap.Error(err))
		case err != nil:
			return err
		default:
			defer pipe.Close()
			runner = pipe
		}

		return mcpserver.ServeStdio(mcptool.NewServer(db, runner, version))
	},
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(filepath.Join(dataDir, "patientbrief.db"), logger)
}

func loadRules() (*rules.Set, error) {
	if cfg.Content.RulesPath != "" {
		return rules.Load(cfg.Content.RulesPath)
	}
	return rules.Default()
}

func newPipeline(db *database.DB) (*pipeline.Pipeline, error) {
	rs, err := loadRules()
	if err != nil {
		return nil, err
	}
	return pipeline.NewFromConfig(cfg, db, rs, logger)
}
