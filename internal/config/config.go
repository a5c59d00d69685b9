// Package config resolves the sorter settings from defaults, an optional
// config file, FACESORT_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// FACESORT_ANALYZER_URL for analyzer.url.
const EnvPrefix = "FACESORT"

// Config keys.
const (
	KeyOutputDir       = "output_folder"
	KeyCopy            = "copy"
	KeyDryRun          = "dry_run"
	KeyBackup          = "backup"
	KeyWorkers         = "workers"
	KeyExtensions      = "extensions"
	KeyReport          = "report"
	KeyProgress        = "progress"
	KeyAnalyzerURL     = "analyzer.url"
	KeyDetector        = "analyzer.detector_backend"
	KeyAnalyzerTimeout = "analyzer.timeout"
	KeyRateLimit       = "analyzer.rate_limit"
	KeyMaxWidth        = "analyzer.max_width"
	KeyCascade         = "prefilter.cascade"
	KeyMinFaceSize     = "prefilter.min_size"
	KeyDedup           = "dedup.enabled"
	KeyDedupThreshold  = "dedup.threshold"
	KeyLogLevel        = "log.level"
	KeyLogFormat       = "log.format"
)

// ErrMissingInputDir is returned when no input directory was given.
var ErrMissingInputDir = errors.New("please specify input directory")

var (
	errMissingOutputDir = errors.New("please specify output directory")
	errInvalidWorkers   = errors.New("workers must be at least 1")
	errMissingDetector  = errors.New("analyzer detector backend is empty")
	errMissingAnalyzer  = errors.New("analyzer url is empty")
	errNoExtensions     = errors.New("no image extensions configured")
)

type (
	// Config is the fully resolved sorter configuration.
	Config struct {
		InputDir   string   // Directory holding the images to sort.
		OutputDir  string   // Root of the sorted output tree.
		Copy       bool     // Copy instead of move.
		DryRun     bool     // Log intended actions only.
		Backup     bool     // Copy originals into OutputDir/backup first.
		Workers    int      // Number of concurrent workers.
		Extensions []string // Recognized image extensions, lower case with dot.
		Report     string   // Optional YAML run report path.
		Progress   bool     // Draw a progress bar on stderr.

		Analyzer  AnalyzerConfig
		Prefilter PrefilterConfig
		Dedup     DedupConfig
		Log       LogConfig
	}

	// AnalyzerConfig configures the DeepFace API client.
	AnalyzerConfig struct {
		URL             string
		DetectorBackend string
		Timeout         time.Duration
		RateLimit       float64 // Requests per second, 0 disables limiting.
		MaxWidth        int     // Downscale payloads wider than this, 0 disables.
	}

	// PrefilterConfig configures the local OpenCV face check.
	PrefilterConfig struct {
		Cascade string // Haar cascade XML; empty disables the prefilter.
		MinSize int    // Smallest face side in pixels.
	}

	// DedupConfig configures perceptual duplicate skipping.
	DedupConfig struct {
		Enabled   bool
		Threshold int
	}

	// LogConfig configures the logrus logger.
	LogConfig struct {
		Level  string
		Format string
	}
)

// New returns a viper instance with every default registered and
// environment lookup enabled.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyOutputDir, "output")
	v.SetDefault(KeyCopy, false)
	v.SetDefault(KeyDryRun, false)
	v.SetDefault(KeyBackup, false)
	v.SetDefault(KeyWorkers, runtime.NumCPU())
	v.SetDefault(KeyExtensions, []string{".jpg", ".png"})
	v.SetDefault(KeyReport, "")
	v.SetDefault(KeyProgress, true)
	v.SetDefault(KeyAnalyzerURL, "http://localhost:5000")
	v.SetDefault(KeyDetector, "retinaface")
	v.SetDefault(KeyAnalyzerTimeout, 2*time.Minute)
	v.SetDefault(KeyRateLimit, 0.0)
	v.SetDefault(KeyMaxWidth, 1280)
	v.SetDefault(KeyCascade, "")
	v.SetDefault(KeyMinFaceSize, 30)
	v.SetDefault(KeyDedup, false)
	v.SetDefault(KeyDedupThreshold, 10)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// ReadFile merges the given config file (yaml, toml, json) into v.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// BindFlags binds every flag of fs listed in keys (flag name -> config key)
// so that flags explicitly set on the command line override the file and
// the environment.
func BindFlags(v *viper.Viper, fs *flag.FlagSet, keys map[string]string) error {
	changed := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { changed[f.Name] = true })

	for name, key := range keys {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("bind flag: unknown flag %q", name)
		}
		if err := v.BindFlagValue(key, stdFlag{flag: f, changed: changed[name]}); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load resolves the configuration held by v for the given input directory.
func Load(v *viper.Viper, inputDir string) (*Config, error) {
	cfg := &Config{
		InputDir:   inputDir,
		OutputDir:  v.GetString(KeyOutputDir),
		Copy:       v.GetBool(KeyCopy),
		DryRun:     v.GetBool(KeyDryRun),
		Backup:     v.GetBool(KeyBackup),
		Workers:    v.GetInt(KeyWorkers),
		Extensions: normalizeExtensions(v.GetStringSlice(KeyExtensions)),
		Report:     v.GetString(KeyReport),
		Progress:   v.GetBool(KeyProgress),
		Analyzer: AnalyzerConfig{
			URL:             strings.TrimRight(v.GetString(KeyAnalyzerURL), "/"),
			DetectorBackend: v.GetString(KeyDetector),
			Timeout:         v.GetDuration(KeyAnalyzerTimeout),
			RateLimit:       v.GetFloat64(KeyRateLimit),
			MaxWidth:        v.GetInt(KeyMaxWidth),
		},
		Prefilter: PrefilterConfig{
			Cascade: v.GetString(KeyCascade),
			MinSize: v.GetInt(KeyMinFaceSize),
		},
		Dedup: DedupConfig{
			Enabled:   v.GetBool(KeyDedup),
			Threshold: v.GetInt(KeyDedupThreshold),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.InputDir == "":
		return ErrMissingInputDir
	case c.OutputDir == "":
		return errMissingOutputDir
	case c.Workers < 1:
		return fmt.Errorf("%w: got %d", errInvalidWorkers, c.Workers)
	case len(c.Extensions) == 0:
		return errNoExtensions
	case c.Analyzer.URL == "":
		return errMissingAnalyzer
	case c.Analyzer.DetectorBackend == "":
		return errMissingDetector
	}
	return nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// stdFlag adapts a standard library flag to viper.FlagValue.
type stdFlag struct {
	flag    *flag.Flag
	changed bool
}

func (f stdFlag) HasChanged() bool    { return f.changed }
func (f stdFlag) Name() string        { return f.flag.Name }
func (f stdFlag) ValueString() string { return f.flag.Value.String() }

func (f stdFlag) ValueType() string {
	getter, ok := f.flag.Value.(flag.Getter)
	if !ok {
		return "string"
	}
	switch getter.Get().(type) {
	case bool:
		return "bool"
	case int, int64, uint, uint64:
		return "int"
	case float64:
		return "float64"
	case time.Duration:
		return "duration"
	default:
		return "string"
	}
}
