// Package config loads the gateway's environment-backed configuration
// (spec section 6), following the teacher's internal/ingest.LoadConfigFromEnv
// pattern: explicit field-by-field parsing, sensible defaults, and a
// Validate method, plus optional .env loading via godotenv.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the gateway's full runtime configuration.
type Config struct {
	// AgentJarPath is the filesystem path to the capture-agent binary
	// pushed to each device.
	AgentJarPath string
	// CORSAllowOrigins is the parsed comma-separated origin list, or
	// ["*"] when all origins are allowed.
	CORSAllowOrigins []string
	// CaptureOutputDir is where saved JPEG captures are written.
	CaptureOutputDir string
	// CaptureJPEGQuality is 1-100, clamped.
	CaptureJPEGQuality int
	// StreamIdleTimeout is how long an ingest session stays up after its
	// last subscriber leaves before component I stops it.
	StreamIdleTimeout time.Duration
	// Addr is the HTTP listen address for the gateway's WebSocket and SSE
	// transport surface.
	Addr string
}

const (
	defaultAgentJarPath       = "/app/vendor/scrcpy-server.jar"
	defaultCaptureOutputDir   = "captures"
	defaultCaptureJPEGQuality = 80
	defaultStreamIdleTimeout  = 5 * time.Second
	defaultAddr               = ":8080"
)

// LoadEnv optionally loads a .env file (a missing file is not an error) and
// returns the merged environment via LoadFromEnv.
func LoadEnv() (Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv builds a Config strictly from process environment variables,
// applying the defaults and clamping rules from spec section 6.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		AgentJarPath:        firstNonEmpty(os.Getenv("AGENT_JAR_PATH"), defaultAgentJarPath),
		CaptureOutputDir:    firstNonEmpty(os.Getenv("CAPTURE_OUTPUT_DIR"), defaultCaptureOutputDir),
		CaptureJPEGQuality:  defaultCaptureJPEGQuality,
		StreamIdleTimeout:   defaultStreamIdleTimeout,
		Addr:                firstNonEmpty(os.Getenv("GATEWAY_ADDR"), defaultAddr),
	}
	cfg.CORSAllowOrigins = parseOrigins(os.Getenv("CORS_ALLOW_ORIGINS"))

	if raw := strings.TrimSpace(os.Getenv("CAPTURE_JPEG_QUALITY")); raw != "" {
		quality, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse CAPTURE_JPEG_QUALITY: %w", err)
		}
		cfg.CaptureJPEGQuality = quality
	}
	cfg.CaptureJPEGQuality = clamp(cfg.CaptureJPEGQuality, 1, 100)

	if raw := strings.TrimSpace(os.Getenv("STREAM_IDLE_TIMEOUT_SEC")); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse STREAM_IDLE_TIMEOUT_SEC: %w", err)
		}
		if seconds > 0 {
			cfg.StreamIdleTimeout = time.Duration(seconds) * time.Second
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.AgentJarPath == "" {
		return errors.New("agent jar path is required")
	}
	if c.CaptureOutputDir == "" {
		return errors.New("capture output dir is required")
	}
	if c.CaptureJPEGQuality < 1 || c.CaptureJPEGQuality > 100 {
		return errors.New("capture jpeg quality must be between 1 and 100")
	}
	if c.StreamIdleTimeout <= 0 {
		return errors.New("stream idle timeout must be positive")
	}
	if c.Addr == "" {
		return errors.New("listen address is required")
	}
	return nil
}

// AllowAllOrigins reports whether CORSAllowOrigins permits any origin.
func (c Config) AllowAllOrigins() bool {
	return len(c.CORSAllowOrigins) == 1 && c.CORSAllowOrigins[0] == "*"
}

func parseOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
