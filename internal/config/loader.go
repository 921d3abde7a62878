package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with package defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = DefaultMaxConnections
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Segmentation.SilenceThresholdMs == 0 {
		cfg.Segmentation.SilenceThresholdMs = DefaultSilenceThresholdMs
	}
	if cfg.Segmentation.MaxSegmentDurationMs == 0 {
		cfg.Segmentation.MaxSegmentDurationMs = DefaultMaxSegmentDurationMs
	}
	if cfg.Segmentation.FallbackSegmentDurationMs == 0 {
		cfg.Segmentation.FallbackSegmentDurationMs = DefaultFallbackSegmentDurationMs
	}
	if cfg.Models.CacheCapacity == 0 {
		cfg.Models.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.Models.LoadTimeout == 0 {
		cfg.Models.LoadTimeout = DefaultLoadTimeout
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found. A configuration whose
// default model is missing, unknown, or disabled is rejected here so that the
// condition surfaces at startup rather than on a client's first request.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("server.max_connections %d must be at least 1", cfg.Server.MaxConnections))
	}

	// Audio
	if cfg.Audio.SampleRate < 8000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is below the 8000 Hz minimum", cfg.Audio.SampleRate))
	}

	// Segmentation
	if cfg.Segmentation.SilenceThresholdMs <= 0 {
		errs = append(errs, fmt.Errorf("segmentation.silence_threshold_ms must be positive, got %.0f", cfg.Segmentation.SilenceThresholdMs))
	}
	if cfg.Segmentation.MaxSegmentDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("segmentation.max_segment_duration_ms must be positive, got %.0f", cfg.Segmentation.MaxSegmentDurationMs))
	}
	if cfg.Segmentation.FallbackSegmentDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("segmentation.fallback_segment_duration_ms must be positive, got %.0f", cfg.Segmentation.FallbackSegmentDurationMs))
	}
	if cfg.Segmentation.SilenceThresholdMs >= cfg.Segmentation.MaxSegmentDurationMs {
		errs = append(errs, fmt.Errorf("segmentation.silence_threshold_ms %.0f must be below max_segment_duration_ms %.0f",
			cfg.Segmentation.SilenceThresholdMs, cfg.Segmentation.MaxSegmentDurationMs))
	}

	// Models
	if cfg.Models.CacheCapacity < 1 {
		errs = append(errs, fmt.Errorf("models.cache_capacity %d must be at least 1", cfg.Models.CacheCapacity))
	}
	if cfg.Models.LoadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("models.load_timeout must be positive, got %s", cfg.Models.LoadTimeout))
	}
	if len(cfg.Models.Available) == 0 {
		errs = append(errs, errors.New("models.available must list at least one model"))
	}

	idsSeen := make(map[string]int, len(cfg.Models.Available))
	for i, m := range cfg.Models.Available {
		prefix := fmt.Sprintf("models.available[%d]", i)
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[m.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of models.available[%d]", prefix, m.ID, prev))
			}
			idsSeen[m.ID] = i
		}
		if m.Path == "" {
			errs = append(errs, fmt.Errorf("%s.path is required", prefix))
		}
		if m.Kind != "" && !m.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: low-latency, high-accuracy", prefix, m.Kind))
		}
	}

	// Default model must resolve to an enabled entry.
	if cfg.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	} else if i, ok := idsSeen[cfg.Models.Default]; !ok {
		errs = append(errs, fmt.Errorf("models.default %q does not match any models.available id", cfg.Models.Default))
	} else if !cfg.Models.Available[i].IsEnabled() {
		errs = append(errs, fmt.Errorf("models.default %q is disabled", cfg.Models.Default))
	}

	return errors.Join(errs...)
}

// ModelByID returns the model entry with the given id.
func (c *Config) ModelByID(id string) (ModelConfig, bool) {
	for _, m := range c.Models.Available {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}
