// Package config provides the configuration schema and loader for the
// speech-to-text service.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" decode naturally.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string (e.g., "30s", "1m30s").
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats the duration like time.Duration.
func (d Duration) String() string { return time.Duration(d).String() }

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ModelKind distinguishes recognition model profiles.
type ModelKind string

const (
	// KindLowLatency marks small streaming-oriented models.
	KindLowLatency ModelKind = "low-latency"

	// KindHighAccuracy marks large offline models.
	KindHighAccuracy ModelKind = "high-accuracy"
)

// IsValid reports whether k is a recognised model kind.
func (k ModelKind) IsValid() bool {
	return k == KindLowLatency || k == KindHighAccuracy
}

// Config is the root configuration structure for the service.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Audio        AudioConfig        `yaml:"audio"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Models       ModelsConfig       `yaml:"models"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8002").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxConnections caps the number of simultaneously connected audio
	// streams. Additional connections are rejected at accept time.
	MaxConnections int `yaml:"max_connections"`
}

// AudioConfig describes the PCM format delivered by clients.
type AudioConfig struct {
	// SampleRate is the audio sample rate in Hz. Clients must send 16-bit
	// little-endian signed mono PCM at this rate.
	SampleRate int `yaml:"sample_rate"`
}

// SegmentationConfig holds the utterance boundary thresholds.
type SegmentationConfig struct {
	// SilenceThresholdMs is the consecutive-silence duration (ms) that ends
	// an utterance once speech has accumulated.
	SilenceThresholdMs float64 `yaml:"silence_threshold_ms"`

	// MaxSegmentDurationMs bounds the accumulated speech per segment (ms).
	MaxSegmentDurationMs float64 `yaml:"max_segment_duration_ms"`

	// FallbackSegmentDurationMs is the fixed window (ms) used when the speech
	// classifier is unavailable.
	FallbackSegmentDurationMs float64 `yaml:"fallback_segment_duration_ms"`

	// SpeechThresholdRMS is the RMS energy level above which a chunk counts
	// as speech for the built-in energy detector. Zero selects the detector
	// default.
	SpeechThresholdRMS float64 `yaml:"speech_threshold_rms"`
}

// ModelsConfig declares the recognition model set and cache policy.
type ModelsConfig struct {
	// Default is the model id used when a client does not select one.
	Default string `yaml:"default"`

	// CacheCapacity is the maximum number of concurrently loaded models.
	CacheCapacity int `yaml:"cache_capacity"`

	// LoadTimeout bounds a single model load (e.g., "30s").
	LoadTimeout Duration `yaml:"load_timeout"`

	// Language is the language code passed to the recognition backend
	// (e.g., "zh", "en").
	Language string `yaml:"language"`

	// Available lists the configured models.
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig describes one recognition model.
type ModelConfig struct {
	// ID is the unique identifier clients select at connect time.
	ID string `yaml:"id"`

	// DisplayName is a human-readable name for logs and the info endpoint.
	DisplayName string `yaml:"display_name"`

	// Path is the model file location on disk.
	Path string `yaml:"path"`

	// Kind is the model profile: low-latency or high-accuracy.
	Kind ModelKind `yaml:"kind"`

	// Enabled gates whether the model may be selected. Defaults to true when
	// omitted (see loader).
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled resolves the Enabled pointer, defaulting to true.
func (m ModelConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Default values applied by [Validate] when fields are zero.
const (
	DefaultListenAddr                = ":8002"
	DefaultMaxConnections            = 2
	DefaultSampleRate                = 16000
	DefaultSilenceThresholdMs        = 800
	DefaultMaxSegmentDurationMs      = 20000
	DefaultFallbackSegmentDurationMs = 5000
	DefaultCacheCapacity             = 2
	DefaultLoadTimeout               = Duration(30 * time.Second)
)
