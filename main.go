// Command face-sorter classifies face images by gender, ethnicity and age
// bracket with a DeepFace analysis service and files every image into
// <output_folder>/<gender>/<ethnicity>/<age_bracket>/.
//
// Usage:
//
//	face-sorter [flags] input_folder
//
// Flags may come before or after the input folder. Single and double dashes
// are both accepted, so -cp and --cp are the same flag.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/briancolinger/face-sorter/internal/analyzer"
	"github.com/briancolinger/face-sorter/internal/config"
	"github.com/briancolinger/face-sorter/internal/facecheck"
	"github.com/briancolinger/face-sorter/internal/logging"
	"github.com/briancolinger/face-sorter/internal/progress"
	"github.com/briancolinger/face-sorter/internal/sorter"
)

const programName = "face-sorter"

// Process exit codes.
const (
	exitOK        = 0 // Every image was routed or skipped.
	exitFatal     = 1 // The run could not start or the input dir is unreadable.
	exitPartial   = 2 // Some images failed.
	exitAllFailed = 3 // Every image failed.
)

// Contains the command line parameters that are not plain config keys.
type sorterParams struct {
	InputDir   string // The input directory containing images.
	ConfigFile string // Optional config file.
	Debug      bool   // Enables debug logging.
	NoProgress bool   // Disables the progress bar.
}

var errTooManyArgs = errors.New("expected exactly one input directory")

// flagKeys maps command line flags to the config keys they override.
var flagKeys = map[string]string{
	"output_folder":    config.KeyOutputDir,
	"cp":               config.KeyCopy,
	"dry_run":          config.KeyDryRun,
	"bk":               config.KeyBackup,
	"workers":          config.KeyWorkers,
	"analyzer_url":     config.KeyAnalyzerURL,
	"detector_backend": config.KeyDetector,
	"report":           config.KeyReport,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is the whole program; it returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	// Start the timer.
	start := time.Now()

	// Parse the command line arguments.
	params, fs, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", programName, err)
		return exitFatal
	}

	// Resolve the configuration.
	cfg, err := loadConfig(params, fs)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", programName, err)
		return exitFatal
	}

	logger, err := logging.New(stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", programName, err)
		return exitFatal
	}
	runID := uuid.NewString()
	logging.AddFields(logger, log.Fields{"run_id": runID})

	// Stop feeding new work to the analyzer on Ctrl-C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, cleanup, err := newSorter(cfg, logger, stderr)
	if err != nil {
		logger.WithFields(log.Fields{"error": err}).Error("Error creating sorter")
		return exitFatal
	}
	defer cleanup()

	// Process the files.
	result, err := s.Run(ctx)
	if err != nil {
		logger.WithFields(log.Fields{"error": err}).Error("Error sorting images")
		return exitFatal
	}

	writeReport(cfg, runID, start, result, logger)

	logger.WithFields(log.Fields{
		"time_taken": time.Since(start),
		"routed":     result.Summary.Routed,
		"skipped":    result.Summary.Skipped,
		"failed":     result.Summary.Failed,
	}).Info("Done.")

	return exitCode(result.Summary)
}

// parseArgs parses the command line. Flags are accepted on both sides of
// the positional input directory.
func parseArgs(args []string, output io.Writer) (sorterParams, *flag.FlagSet, error) {
	var params sorterParams

	fs := flag.NewFlagSet(programName, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] input_folder\n\nSort images based on attributes.\n\n", programName)
		fs.PrintDefaults()
	}

	// Set command line flags.
	fs.String("output_folder", "output", "destination folder for sorted images")
	fs.Bool("cp", false, "copy images instead of moving")
	fs.Bool("dry_run", false, "simulate the sorting without moving or copying files")
	fs.Bool("bk", false, "backup original images into <output_folder>/backup")
	fs.Int("workers", 0, "number of concurrent workers (default: number of CPUs)")
	fs.String("analyzer_url", "", "base URL of the DeepFace API")
	fs.String("detector_backend", "", "face detector used by the analyzer (default: retinaface)")
	fs.String("report", "", "write a YAML run report to this path")
	fs.StringVar(&params.ConfigFile, "config", "", "optional config file (yaml, toml or json)")
	fs.BoolVar(&params.Debug, "debug", false, "enable debug logging")
	fs.BoolVar(&params.NoProgress, "no_progress", false, "disable the progress bar")

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return params, nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		positional = append(positional, args[0])
		args = args[1:]
	}

	switch len(positional) {
	case 0:
		return params, nil, config.ErrMissingInputDir
	case 1:
		params.InputDir = positional[0]
	default:
		return params, nil, fmt.Errorf("%w, got %d", errTooManyArgs, len(positional))
	}

	return params, fs, nil
}

// loadConfig layers defaults, the config file, the environment and the
// flags that were set explicitly.
func loadConfig(params sorterParams, fs *flag.FlagSet) (*config.Config, error) {
	v := config.New()
	if err := config.ReadFile(v, params.ConfigFile); err != nil {
		return nil, err
	}
	if err := config.BindFlags(v, fs, flagKeys); err != nil {
		return nil, err
	}
	if params.Debug {
		v.Set(config.KeyLogLevel, "debug")
	}
	if params.NoProgress {
		v.Set(config.KeyProgress, false)
	}
	return config.Load(v, params.InputDir)
}

// newSorter wires the analyzer client and the optional prefilter, dedup and
// progress bar into a Sorter. cleanup releases what was opened.
func newSorter(cfg *config.Config, logger *log.Logger, stderr io.Writer) (*sorter.Sorter, func(), error) {
	cleanup := func() {}

	deepFace := analyzer.NewDeepFace(analyzer.DeepFaceOptions{
		URL:       cfg.Analyzer.URL,
		Timeout:   cfg.Analyzer.Timeout,
		RateLimit: cfg.Analyzer.RateLimit,
		MaxWidth:  cfg.Analyzer.MaxWidth,
		Logger:    logger,
	})

	var options []sorter.Option

	if cfg.Prefilter.Cascade != "" {
		cascade, err := facecheck.NewCascade(cfg.Prefilter.Cascade, cfg.Prefilter.MinSize, logger)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = func() {
			if err := cascade.Close(); err != nil {
				logger.WithError(err).Error("Error closing cascade")
			}
		}
		options = append(options, sorter.WithFaceChecker(cascade))
	}

	if cfg.Dedup.Enabled {
		options = append(options, sorter.WithDedup(cfg.Dedup.Threshold))
	}

	if cfg.Progress {
		options = append(options, sorter.WithProgress(progress.New(stderr, progress.DefaultWidth)))
	}

	s := sorter.New(sorter.Options{
		InputDir:        cfg.InputDir,
		OutputDir:       cfg.OutputDir,
		Copy:            cfg.Copy,
		DryRun:          cfg.DryRun,
		Backup:          cfg.Backup,
		Workers:         cfg.Workers,
		Extensions:      cfg.Extensions,
		DetectorBackend: cfg.Analyzer.DetectorBackend,
	}, deepFace, logger, options...)

	return s, cleanup, nil
}

// writeReport writes the YAML run report if one was requested. Dry runs
// write nothing.
func writeReport(cfg *config.Config, runID string, start time.Time, result sorter.Result, logger *log.Logger) {
	if cfg.Report == "" {
		return
	}
	if cfg.DryRun {
		logger.WithFields(log.Fields{"type": "DRY RUN", "path": cfg.Report}).Info("Skip writing report")
		return
	}

	report := sorter.NewReport(runID, start, sorter.Options{
		InputDir:  cfg.InputDir,
		OutputDir: cfg.OutputDir,
		DryRun:    cfg.DryRun,
	}, result)
	if err := report.WriteFile(cfg.Report); err != nil {
		logger.WithFields(log.Fields{"path": cfg.Report, "error": err}).Error("Error writing report")
		return
	}
	logger.WithField("path", cfg.Report).Info("Report written")
}

// exitCode maps a batch summary to the process exit code.
func exitCode(s sorter.Summary) int {
	switch {
	case s.Failed == 0:
		return exitOK
	case s.Failed == s.Total:
		return exitAllFailed
	default:
		return exitPartial
	}
}
