package admission

import (
	"fmt"
	"strings"
)

// Where a resolved setting came from.
const (
	SourceEnv     = "ENV"
	SourceAuto    = "AUTO"
	SourceDefault = "DEFAULT"
)

// Fallbacks used when auto-scaling is off or total memory is unknown.
const (
	DefaultMaxConcurrent     = 3
	DefaultMemoryThresholdMB = 1024
	DefaultMaxQueueSize      = 15
	DefaultMinFileSizeGB     = 3.0
)

// Config bounds the controller.
type Config struct {
	MaxConcurrent     int     `json:"maxConcurrent" yaml:"maxConcurrent"`
	MemoryThresholdMB int     `json:"memoryThresholdMB" yaml:"memoryThresholdMB"`
	MaxQueueSize      int     `json:"maxQueueSize" yaml:"maxQueueSize"`
	MinFileSizeGB     float64 `json:"minFileSizeGB" yaml:"minFileSizeGB"`
	AutoScale         bool    `json:"autoScale" yaml:"autoScale"`
	TotalMemoryGB     float64 `json:"totalMemoryGB" yaml:"totalMemoryGB"`

	// Sources maps each setting name to SourceEnv, SourceAuto or SourceDefault.
	Sources map[string]string `json:"sources,omitempty" yaml:"sources,omitempty"`
}

// Overrides carries operator-supplied values; nil fields are unset.
type Overrides struct {
	MaxConcurrent     *int
	MemoryThresholdMB *int
	MaxQueueSize      *int
	MinFileSizeGB     *float64
	AutoScale         *bool
}

// Tier is the auto-scaled default for a memory size.
type Tier struct {
	MaxConcurrent     int
	MemoryThresholdMB int
	MaxQueueSize      int
}

// TierFor maps total system memory in GB to tiered defaults.
func TierFor(totalMemoryGB float64) Tier {
	switch {
	case totalMemoryGB > 16:
		return Tier{MaxConcurrent: 10, MemoryThresholdMB: 4096, MaxQueueSize: 50}
	case totalMemoryGB > 8:
		return Tier{MaxConcurrent: 5, MemoryThresholdMB: 2048, MaxQueueSize: 25}
	case totalMemoryGB > 4:
		return Tier{MaxConcurrent: 3, MemoryThresholdMB: 1024, MaxQueueSize: 15}
	case totalMemoryGB > 2:
		return Tier{MaxConcurrent: 2, MemoryThresholdMB: 512, MaxQueueSize: 10}
	default:
		return Tier{MaxConcurrent: 1, MemoryThresholdMB: 256, MaxQueueSize: 5}
	}
}

// Resolve builds a Config from overrides and total memory. Each setting is
// taken from its override, else from the memory tier when auto-scaling is on,
// else from the fixed default. A non-positive totalMemoryGB means unknown and
// disables the tier lookup.
func Resolve(o Overrides, totalMemoryGB float64) Config {
	auto := true
	if o.AutoScale != nil {
		auto = *o.AutoScale
	}
	cfg := Config{
		AutoScale:     auto,
		TotalMemoryGB: totalMemoryGB,
		Sources:       make(map[string]string, 4),
	}
	useTier := auto && totalMemoryGB > 0
	tier := TierFor(totalMemoryGB)

	pick := func(name string, override *int, tiered, fallback int) int {
		switch {
		case override != nil:
			cfg.Sources[name] = SourceEnv
			return *override
		case useTier:
			cfg.Sources[name] = SourceAuto
			return tiered
		default:
			cfg.Sources[name] = SourceDefault
			return fallback
		}
	}
	cfg.MaxConcurrent = pick("maxConcurrent", o.MaxConcurrent, tier.MaxConcurrent, DefaultMaxConcurrent)
	cfg.MemoryThresholdMB = pick("memoryThresholdMB", o.MemoryThresholdMB, tier.MemoryThresholdMB, DefaultMemoryThresholdMB)
	cfg.MaxQueueSize = pick("maxQueueSize", o.MaxQueueSize, tier.MaxQueueSize, DefaultMaxQueueSize)

	if o.MinFileSizeGB != nil {
		cfg.MinFileSizeGB = *o.MinFileSizeGB
		cfg.Sources["minFileSizeGB"] = SourceEnv
	} else {
		cfg.MinFileSizeGB = DefaultMinFileSizeGB
		cfg.Sources["minFileSizeGB"] = SourceDefault
	}
	return cfg
}

// ConfigError lists every bound a Config violates.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid download manager configuration: " + strings.Join(e.Problems, ", ")
}

// Validate checks cfg. Violations that make the controller unusable are
// returned as a *ConfigError; questionable values only produce warnings.
func Validate(cfg Config) (warnings []string, err error) {
	var problems []string

	if cfg.MaxConcurrent < 1 {
		problems = append(problems, fmt.Sprintf("DOWNLOAD_MAX_CONCURRENT must be >= 1, got: %d", cfg.MaxConcurrent))
	}
	if cfg.MaxConcurrent > 50 {
		warnings = append(warnings, fmt.Sprintf("DOWNLOAD_MAX_CONCURRENT is very high (%d), this may cause performance issues", cfg.MaxConcurrent))
	}

	if cfg.MemoryThresholdMB < 128 {
		warnings = append(warnings, fmt.Sprintf("DOWNLOAD_MEMORY_THRESHOLD_MB is very low (%dMB), downloads may be throttled frequently", cfg.MemoryThresholdMB))
	}
	if cfg.MemoryThresholdMB > 16384 {
		warnings = append(warnings, fmt.Sprintf("DOWNLOAD_MEMORY_THRESHOLD_MB is very high (%dMB), system may run out of memory", cfg.MemoryThresholdMB))
	}

	if cfg.MaxQueueSize < 1 {
		problems = append(problems, fmt.Sprintf("DOWNLOAD_QUEUE_SIZE must be >= 1, got: %d", cfg.MaxQueueSize))
	}
	if cfg.MaxQueueSize > 1000 {
		warnings = append(warnings, fmt.Sprintf("DOWNLOAD_QUEUE_SIZE is very high (%d), this may consume significant memory", cfg.MaxQueueSize))
	}

	if cfg.MinFileSizeGB < 0.1 {
		warnings = append(warnings, fmt.Sprintf("DOWNLOAD_MIN_FILE_SIZE_GB is very low (%gGB), most downloads will use memory management", cfg.MinFileSizeGB))
	}
	if cfg.MinFileSizeGB > 50 {
		warnings = append(warnings, fmt.Sprintf("DOWNLOAD_MIN_FILE_SIZE_GB is very high (%gGB), memory management may rarely activate", cfg.MinFileSizeGB))
	}

	recommended := cfg.MaxConcurrent * 5
	if cfg.MaxQueueSize < cfg.MaxConcurrent {
		warnings = append(warnings, fmt.Sprintf("DOWNLOAD_QUEUE_SIZE (%d) is smaller than DOWNLOAD_MAX_CONCURRENT (%d)", cfg.MaxQueueSize, cfg.MaxConcurrent))
	} else if cfg.MaxQueueSize < recommended {
		warnings = append(warnings, fmt.Sprintf("DOWNLOAD_QUEUE_SIZE (%d) might be too small. Recommended: %d (5x concurrent downloads)", cfg.MaxQueueSize, recommended))
	}

	if len(problems) > 0 {
		return warnings, &ConfigError{Problems: problems}
	}
	return warnings, nil
}
