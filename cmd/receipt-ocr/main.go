package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ocr/internal/preprocess"
	"github.com/zombor/receipt-ocr/internal/receipt"
	"github.com/zombor/receipt-ocr/internal/recognition"
	"github.com/zombor/receipt-ocr/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	defaults := scanning.DefaultConfig()
	tessDefaults := recognition.DefaultTesseractConfig()

	fs := ff.NewFlagSet("receipt-ocr")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		dbPath          = fs.StringLong("db", "receipt-ocr.db", "Database file path")
		storagePath     = fs.StringLong("storage", "./receipts", "Storage directory path")
		scratchDir      = fs.StringLong("scratch", "", "Directory for temporary preprocessed images (default: system temp dir)")
		tessdataAssets  = fs.StringLong("tessdata-assets", "", "Directory with bundled <lang>.traineddata files")
		tessdataDir     = fs.StringLong("tessdata-dir", "", "Writable directory the language models are installed into")
		lang            = fs.StringLong("lang", tessDefaults.Language, "Tesseract languages, e.g. eng or eng+spa")
		psm             = fs.IntLong("psm", tessDefaults.PageSegMode, "Tesseract page segmentation mode")
		standardTimeout = fs.DurationLong("standard-timeout", defaults.StandardTimeout, "Time budget for a standard scan")
		enhancedTimeout = fs.DurationLong("enhanced-timeout", defaults.EnhancedTimeout, "Time budget for an enhanced scan")
		threshold       = fs.Float64Long("confidence-threshold", defaults.ConfidenceThreshold, "Overall confidence that stops multi-pass retries")
		validationYears = fs.IntLong("validation-years", defaults.ValidationYears, "How many years back an enhanced-mode date may be")
		dayFirst        = fs.BoolLong("day-first", "Read ambiguous numeric dates as day/month")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		scanFile        = fs.StringLong("scan", "", "Scan a single image, print the result and exit")
		enhanced        = fs.BoolLong("enhanced", "Use the enhanced pipeline with --scan")
		multiPass       = fs.BoolLong("multi-pass", "Retry rotated passes with --scan --enhanced")
		format          = fs.StringLong("format", "json", "Output format for --scan: json or yaml")
		_               = fs.StringLong("config", "", "Config file (plain key value lines)")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_OCR"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithConfigAllowMissingFile(),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *format != "json" && *format != "yaml" {
		slog.Error("Invalid output format", "format", *format, "valid", "json or yaml")
		os.Exit(1)
	}

	tessCfg := recognition.TesseractConfig{
		AssetDir:    *tessdataAssets,
		DataDir:     *tessdataDir,
		Language:    *lang,
		PageSegMode: *psm,
	}
	opts := preprocess.DefaultOptions()
	opts.ScratchDir = *scratchDir

	cfg := defaults
	cfg.StandardTimeout = *standardTimeout
	cfg.EnhancedTimeout = *enhancedTimeout
	cfg.ConfidenceThreshold = *threshold
	cfg.ValidationYears = *validationYears
	cfg.DayFirst = *dayFirst

	pipeline := scanning.NewPipeline(
		scanning.EngineFactory(recognition.NewTesseract(tessCfg)),
		preprocess.New(opts),
		cfg,
		scanning.WithLogger(slog.Default()),
	)
	defer pipeline.Close()

	if *scanFile != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := scanOnce(ctx, pipeline, *scanFile, scanRequest{
			enhanced:  *enhanced,
			multiPass: *multiPass,
			format:    *format,
		}, os.Stdout)
		stop()
		if err != nil {
			slog.Error("Scan failed", "file", *scanFile, "error", err)
			pipeline.Close()
			os.Exit(1)
		}
		return
	}

	// Load the engine up front; scans report it as unavailable if this fails.
	slog.Info("Initializing text recognition...", "language", tessCfg.Language)
	if err := pipeline.Initialize(); err != nil {
		slog.Error("Text recognition unavailable", "error", err)
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	receiptService := receipt.NewService(db, pipeline, store)

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
