package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-ini/ini"
)

// PlaceholderAPIKey is the value shipped in sample env files. A key containing it is treated as unset.
const PlaceholderAPIKey = "YOUR_MISTRAL_API_KEY_HERE"

// Keys recognised in the ini file and in the environment. Environment values win.
var knownKeys = []string{
	"WORK_DIR", "RAW_DIR", "TRIM_DIR", "OCR_DIR", "OUT_DIR",
	"HEADER_HEIGHT", "CONCURRENCY",
	"MISTRAL_API_KEY", "MISTRAL_BASE_URL", "MISTRAL_OCR_MODEL",
	"OCR_CALL_TIMEOUT", "OCR_MAX_ATTEMPTS", "OCR_INITIAL_BACKOFF",
	"CONVERTER_BIN", "CONVERTER_TIMEOUT", "STYLESHEET_NAME",
	"PROJECT_ID", "FIRESTORE_COLLECTION",
	"PUBLISH_GCS_BUCKET", "PUBLISH_PREFIX", "PUBLISH_OVERWRITE",
	"S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_BUCKET", "S3_REGION", "S3_SECURE",
	"LOG_FORMAT", "LOG_LEVEL",
}

// OCRConfig holds the settings of the remote OCR stage.
type OCRConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	CallTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

// HasCredential reports whether a usable API key is configured.
func (c OCRConfig) HasCredential() bool {
	key := strings.TrimSpace(c.APIKey)
	return key != "" && !strings.Contains(key, PlaceholderAPIKey)
}

// ConverterConfig holds the settings of the markdown to EPUB converter.
type ConverterConfig struct {
	Binary         string
	Timeout        time.Duration
	StylesheetName string
}

// ManifestConfig selects the Firestore collection used to record per-document stage status.
// An empty ProjectID disables the manifest.
type ManifestConfig struct {
	ProjectID  string
	Collection string
}

// PublishConfig lists the optional sinks rendered EPUBs are copied to.
type PublishConfig struct {
	GCSBucket string
	Prefix    string
	Overwrite bool

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3Secure    bool
}

type LogConfig struct {
	Format string
	Level  string
}

// Config is loaded once at startup and passed to every component constructor.
type Config struct {
	RawDir  string
	TrimDir string
	OCRDir  string
	OutDir  string

	// HeaderHeight is the height, in PDF user space units, of the band masked at the top of every page.
	HeaderHeight float64
	Concurrency  int

	OCR       OCRConfig
	Converter ConverterConfig
	Manifest  ManifestConfig
	Publish   PublishConfig
	Log       LogConfig
}

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// Load builds a Config from built-in defaults, the optional ini file at path and the environment,
// in increasing order of precedence. When path is empty PDF2EPUB_CONFIG is consulted.
func Load(path string) (*Config, error) {
	if path == "" {
		path = GetEnv("PDF2EPUB_CONFIG", "")
	}

	file := ini.Empty()
	if path != "" {
		loaded, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		file = loaded
	}
	sec := file.Section("")
	for _, key := range knownKeys {
		if value, ok := os.LookupEnv(key); ok {
			sec.Key(key).SetValue(value)
		}
	}

	r := reader{sec: sec}
	workDir := r.str("WORK_DIR", ".")
	cfg := &Config{
		RawDir:       resolveDir(workDir, r.str("RAW_DIR", "raw")),
		TrimDir:      resolveDir(workDir, r.str("TRIM_DIR", "trim")),
		OCRDir:       resolveDir(workDir, r.str("OCR_DIR", "ocr")),
		OutDir:       resolveDir(workDir, r.str("OUT_DIR", "out")),
		HeaderHeight: r.float("HEADER_HEIGHT", 55),
		Concurrency:  r.integer("CONCURRENCY", 1),
		OCR: OCRConfig{
			APIKey:         r.str("MISTRAL_API_KEY", ""),
			BaseURL:        r.str("MISTRAL_BASE_URL", "https://api.mistral.ai"),
			Model:          r.str("MISTRAL_OCR_MODEL", "mistral-ocr-latest"),
			CallTimeout:    r.duration("OCR_CALL_TIMEOUT", 2*time.Minute),
			MaxAttempts:    r.integer("OCR_MAX_ATTEMPTS", 4),
			InitialBackoff: r.duration("OCR_INITIAL_BACKOFF", time.Second),
		},
		Converter: ConverterConfig{
			Binary:         r.str("CONVERTER_BIN", "pandoc"),
			Timeout:        r.duration("CONVERTER_TIMEOUT", 5*time.Minute),
			StylesheetName: r.str("STYLESHEET_NAME", "epub_style.css"),
		},
		Manifest: ManifestConfig{
			ProjectID:  r.str("PROJECT_ID", ""),
			Collection: r.str("FIRESTORE_COLLECTION", "documents"),
		},
		Publish: PublishConfig{
			GCSBucket:   r.str("PUBLISH_GCS_BUCKET", ""),
			Prefix:      r.str("PUBLISH_PREFIX", ""),
			Overwrite:   r.boolean("PUBLISH_OVERWRITE", true),
			S3Endpoint:  r.str("S3_ENDPOINT", ""),
			S3AccessKey: r.str("S3_ACCESS_KEY", ""),
			S3SecretKey: r.str("S3_SECRET_KEY", ""),
			S3Bucket:    r.str("S3_BUCKET", ""),
			S3Region:    r.str("S3_REGION", ""),
			S3Secure:    r.boolean("S3_SECURE", true),
		},
		Log: LogConfig{
			Format: r.str("LOG_FORMAT", "json"),
			Level:  r.str("LOG_LEVEL", "info"),
		},
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants components rely on. Credentials are not checked here:
// a missing API key only disables the OCR phase.
func (c *Config) Validate() error {
	if c.HeaderHeight <= 0 {
		return fmt.Errorf("HEADER_HEIGHT must be positive, got %v", c.HeaderHeight)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.OCR.MaxAttempts < 1 {
		return fmt.Errorf("OCR_MAX_ATTEMPTS must be at least 1, got %d", c.OCR.MaxAttempts)
	}
	if c.OCR.CallTimeout <= 0 || c.Converter.Timeout <= 0 {
		return fmt.Errorf("OCR_CALL_TIMEOUT and CONVERTER_TIMEOUT must be positive")
	}
	if c.Publish.S3Endpoint != "" && c.Publish.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET must be set when S3_ENDPOINT is configured")
	}
	return nil
}

func resolveDir(workDir, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workDir, dir)
}

// reader reads typed values from an ini section and keeps the first conversion error.
type reader struct {
	sec *ini.Section
	err error
}

func (r *reader) str(key, fallback string) string {
	if !r.sec.HasKey(key) {
		return fallback
	}
	return strings.TrimSpace(r.sec.Key(key).String())
}

func (r *reader) float(key string, fallback float64) float64 {
	if !r.sec.HasKey(key) {
		return fallback
	}
	v, err := r.sec.Key(key).Float64()
	r.keep(key, err)
	return v
}

func (r *reader) integer(key string, fallback int) int {
	if !r.sec.HasKey(key) {
		return fallback
	}
	v, err := r.sec.Key(key).Int()
	r.keep(key, err)
	return v
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	if !r.sec.HasKey(key) {
		return fallback
	}
	v, err := r.sec.Key(key).Duration()
	r.keep(key, err)
	return v
}

func (r *reader) boolean(key string, fallback bool) bool {
	if !r.sec.HasKey(key) {
		return fallback
	}
	v, err := r.sec.Key(key).Bool()
	r.keep(key, err)
	return v
}

func (r *reader) keep(key string, err error) {
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("invalid value for %s: %w", key, err)
	}
}
