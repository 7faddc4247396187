package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Lllllllleong/pdf2epub/internal/config"
	"github.com/Lllllllleong/pdf2epub/internal/mistral"
	"github.com/Lllllllleong/pdf2epub/internal/models"
	"github.com/Lllllllleong/pdf2epub/internal/services"
	"github.com/abiiranathan/goflag"
	"github.com/joho/godotenv"
)

// options are filled in by the command line before any handler runs.
type options struct {
	configPath  string
	concurrency int
}

func main() {
	// --- Set up structured logging ---
	// Replaced once the configuration is known.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// A missing .env file is normal; the environment may already be populated.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file.", "error", err)
	}

	opts := &options{}
	ctx := defineFlags(opts)
	subcmd, err := ctx.Parse(os.Args)
	if err != nil {
		slog.Error("Invalid command line.", "error", err)
		ctx.PrintUsage(os.Stderr)
		os.Exit(2)
	}

	// No subcommand runs every phase.
	if subcmd == nil {
		run(opts)
		return
	}
	subcmd.Handler()
}

func defineFlags(opts *options) *goflag.Context {
	ctx := goflag.NewContext()

	ctx.AddFlag(goflag.FlagString, "config", "c", &opts.configPath,
		"Path to an ini configuration file (defaults to $PDF2EPUB_CONFIG)", false)
	ctx.AddFlag(goflag.FlagInt, "concurrency", "n", &opts.concurrency,
		"Number of documents processed at once within a phase", false, goflag.Min(1), goflag.Max(64))

	ctx.AddSubCommand("trim", "Mask the header band of every PDF in the raw directory", func() {
		run(opts, models.StageTrim)
	})
	ctx.AddSubCommand("ocr", "Convert every masked PDF to markdown and images", func() {
		run(opts, models.StageOCR)
	})
	ctx.AddSubCommand("epub", "Render every markdown document to EPUB", func() {
		run(opts, models.StageEpub)
	})
	ctx.AddSubCommand("run", "Run all phases in order", func() {
		run(opts)
	})
	return ctx
}

// run executes the given phases, or all of them when none are named. Only configuration errors
// are fatal; every other failure is logged and the batch continues.
func run(opts *options, phases ...models.Stage) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		slog.Error("Failed to load configuration.", "error", err)
		os.Exit(1)
	}
	if opts.concurrency > 0 {
		cfg.Concurrency = opts.concurrency
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, closers := buildPipeline(ctx, cfg)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				slog.Warn("Failed to close client.", "error", err)
			}
		}
	}()

	if len(phases) == 0 {
		pipeline.Run(ctx)
		return
	}
	for _, phase := range phases {
		if _, err := pipeline.RunPhase(ctx, phase); err != nil {
			slog.Error("Cannot run phase.", "phase", phase, "error", err)
		}
	}
}

// buildPipeline wires the three stages. Optional integrations that fail to initialize are
// logged and left out rather than stopping the batch.
func buildPipeline(ctx context.Context, cfg *config.Config) (*services.Pipeline, []io.Closer) {
	var closers []io.Closer

	var manifest services.ManifestStore
	if cfg.Manifest.ProjectID != "" {
		fm, err := services.NewFirestoreManifest(ctx, cfg.Manifest)
		if err != nil {
			slog.Error("Manifest disabled.", "error", err)
		} else {
			manifest = fm
			closers = append(closers, fm)
		}
	}

	publishers, err := services.NewPublishers(ctx, cfg.Publish)
	if err != nil {
		slog.Error("Publishing disabled.", "error", err)
		publishers = nil
	}
	for _, p := range publishers {
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	var ocrClient services.OCRClient
	if cfg.OCR.HasCredential() {
		ocrClient = mistral.NewClient(cfg.OCR)
	}

	stages := []services.Stage{
		services.NewHeaderMasker(cfg),
		services.NewOCROrchestrator(cfg, ocrClient),
		services.NewEpubRenderer(cfg, services.ExecRunner{}, publishers...),
	}
	return services.NewPipeline(stages, cfg.Concurrency, manifest), closers
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
