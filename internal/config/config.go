// Package config loads the server's YAML configuration and maps it onto the
// subsystem configs. Every field is optional; zero values defer to the
// defaults of the subsystem they tune. Durations are plain millisecond
// integers so the file stays trivially editable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"stardrift/server/internal/broadcast"
	"stardrift/server/internal/cull"
	"stardrift/server/internal/delta"
	"stardrift/server/internal/outbound"
	"stardrift/server/internal/physics"
	"stardrift/server/internal/sim"
	"stardrift/server/logging"
)

// File is the on-disk server configuration.
type File struct {
	Listen      string `yaml:"listen"`
	EnablePprof bool   `yaml:"enable_pprof"`

	Tick struct {
		RateHz          int `yaml:"rate_hz"`
		CatchupMaxTicks int `yaml:"catchup_max_ticks"`
		CommandCapacity int `yaml:"command_capacity"`
		PerActorLimit   int `yaml:"per_actor_limit"`
		WarningStep     int `yaml:"warning_step"`
	} `yaml:"tick"`

	World struct {
		Width              float64 `yaml:"width"`
		Height             float64 `yaml:"height"`
		MoveSpeed          float64 `yaml:"move_speed"`
		CollectRange       float64 `yaml:"collect_range"`
		CellSize           float64 `yaml:"cell_size"`
		HeartbeatTimeoutMs int     `yaml:"heartbeat_timeout_ms"`
		PurgeEveryTicks    uint64  `yaml:"purge_every_ticks"`
	} `yaml:"world"`

	Visibility struct {
		MaxViewDistance          float64 `yaml:"max_view_distance"`
		MaxObjectsPerClient      int     `yaml:"max_objects_per_client"`
		ResourceRangeFraction    float64 `yaml:"resource_range_fraction"`
		StructureRangeMultiplier float64 `yaml:"structure_range_multiplier"`
		EffectRange              float64 `yaml:"effect_range"`
		EffectMaxAgeMs           int     `yaml:"effect_max_age_ms"`
		StaleObjectAgeMs         int     `yaml:"stale_object_age_ms"`
		CellSize                 float64 `yaml:"cell_size"`
	} `yaml:"visibility"`

	Delta struct {
		KeyframeInterval uint64 `yaml:"keyframe_interval"`
		JournalCapacity  int    `yaml:"journal_capacity"`
		JournalMaxAgeMs  int    `yaml:"journal_max_age_ms"`
	} `yaml:"delta"`

	Outbound struct {
		HighIntervalMs   int                 `yaml:"high_interval_ms"`
		MediumIntervalMs int                 `yaml:"medium_interval_ms"`
		LowIntervalMs    int                 `yaml:"low_interval_ms"`
		ThrottleMs       map[string]int      `yaml:"throttle_ms"`
		DedupeTypes      []string            `yaml:"dedupe_types"`
		FieldWhitelist   map[string][]string `yaml:"field_whitelist"`
		MaxBatchBytes    int                 `yaml:"max_batch_bytes"`
		CompressMinBytes int                 `yaml:"compress_min_bytes"`
	} `yaml:"outbound"`

	Broadcast struct {
		RegionSize float64 `yaml:"region_size"`
	} `yaml:"broadcast"`

	Physics struct {
		Workers       int `yaml:"workers"`
		SubmitBacklog int `yaml:"submit_backlog"`
	} `yaml:"physics"`

	Logging struct {
		Sinks           []string `yaml:"sinks"`
		BufferSize      int      `yaml:"buffer_size"`
		MinimumSeverity string   `yaml:"minimum_severity"`
		JSONPath        string   `yaml:"json_path"`
		JSONCompress    bool     `yaml:"json_compress"`
		ZapPath         string   `yaml:"zap_path"`
		ZapMaxSizeMB    int      `yaml:"zap_max_size_mb"`
		ZapMaxBackups   int      `yaml:"zap_max_backups"`
		ZapMaxAgeDays   int      `yaml:"zap_max_age_days"`
	} `yaml:"logging"`
}

// Default returns the configuration used when no file is provided.
func Default() File {
	var f File
	f.Listen = ":8080"
	return f
}

// Load reads and parses a YAML configuration file.
func Load(path string) (File, error) {
	f := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("config %s: %w", path, err)
	}
	if f.Listen == "" {
		f.Listen = Default().Listen
	}
	return f, nil
}

// EngineConfig maps the file onto the engine's configuration.
func (f File) EngineConfig() sim.Config {
	cfg := sim.DefaultConfig()
	if f.World.Width > 0 && f.World.Height > 0 {
		cfg.Bounds = physics.Bounds{MaxX: f.World.Width, MaxY: f.World.Height}
	}
	if f.World.MoveSpeed > 0 {
		cfg.MoveSpeed = f.World.MoveSpeed
	}
	if f.World.CollectRange > 0 {
		cfg.DefaultCollectRange = f.World.CollectRange
	}
	if f.World.CellSize > 0 {
		cfg.CellSize = f.World.CellSize
	}
	if f.World.HeartbeatTimeoutMs > 0 {
		cfg.HeartbeatTimeout = time.Duration(f.World.HeartbeatTimeoutMs) * time.Millisecond
	}
	if f.World.PurgeEveryTicks > 0 {
		cfg.PurgeEveryTicks = f.World.PurgeEveryTicks
	}

	cfg.Cull = f.cullConfig()
	cfg.Delta = f.deltaConfig()
	cfg.Outbound = f.outboundConfig()
	if f.Broadcast.RegionSize > 0 {
		cfg.Broadcast = broadcast.Config{RegionSize: f.Broadcast.RegionSize}
	}
	if f.Physics.Workers > 0 {
		cfg.Physics.Workers = f.Physics.Workers
	}
	if f.Physics.SubmitBacklog > 0 {
		cfg.Physics.SubmitBacklog = f.Physics.SubmitBacklog
	}
	return cfg
}

// LoopConfig maps the file onto the tick-loop configuration.
func (f File) LoopConfig() sim.LoopConfig {
	cfg := sim.DefaultLoopConfig()
	if f.Tick.RateHz > 0 {
		cfg.TickRate = f.Tick.RateHz
	}
	if f.Tick.CatchupMaxTicks > 0 {
		cfg.CatchupMaxTicks = f.Tick.CatchupMaxTicks
	}
	if f.Tick.CommandCapacity > 0 {
		cfg.CommandCapacity = f.Tick.CommandCapacity
	}
	if f.Tick.PerActorLimit > 0 {
		cfg.PerActorLimit = f.Tick.PerActorLimit
	}
	if f.Tick.WarningStep > 0 {
		cfg.WarningStep = f.Tick.WarningStep
	}
	return cfg
}

// LoggingConfig maps the file onto the event router configuration.
func (f File) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if len(f.Logging.Sinks) > 0 {
		cfg.EnabledSinks = append([]string(nil), f.Logging.Sinks...)
	}
	if f.Logging.BufferSize > 0 {
		cfg.BufferSize = f.Logging.BufferSize
	}
	if sev, ok := parseSeverity(f.Logging.MinimumSeverity); ok {
		cfg.MinimumSeverity = sev
	}
	if f.Logging.JSONPath != "" {
		cfg.JSON.FilePath = f.Logging.JSONPath
		cfg.JSON.Compress = f.Logging.JSONCompress
	}
	if f.Logging.ZapPath != "" {
		cfg.Zap.FilePath = f.Logging.ZapPath
		if f.Logging.ZapMaxSizeMB > 0 {
			cfg.Zap.MaxSizeMB = f.Logging.ZapMaxSizeMB
		}
		if f.Logging.ZapMaxBackups > 0 {
			cfg.Zap.MaxBackups = f.Logging.ZapMaxBackups
		}
		if f.Logging.ZapMaxAgeDays > 0 {
			cfg.Zap.MaxAgeDays = f.Logging.ZapMaxAgeDays
		}
	}
	return cfg
}

func (f File) cullConfig() cull.Config {
	cfg := cull.DefaultConfig()
	if f.Visibility.MaxViewDistance > 0 {
		cfg.MaxViewDistance = f.Visibility.MaxViewDistance
	}
	if f.Visibility.MaxObjectsPerClient > 0 {
		cfg.MaxObjectsPerClient = f.Visibility.MaxObjectsPerClient
	}
	if f.Visibility.ResourceRangeFraction > 0 {
		cfg.ResourceRangeFraction = f.Visibility.ResourceRangeFraction
	}
	if f.Visibility.StructureRangeMultiplier > 0 {
		cfg.StructureRangeMultiplier = f.Visibility.StructureRangeMultiplier
	}
	if f.Visibility.EffectRange > 0 {
		cfg.EffectRange = f.Visibility.EffectRange
	}
	if f.Visibility.EffectMaxAgeMs > 0 {
		cfg.EffectMaxAge = time.Duration(f.Visibility.EffectMaxAgeMs) * time.Millisecond
	}
	if f.Visibility.StaleObjectAgeMs > 0 {
		cfg.StaleObjectAge = time.Duration(f.Visibility.StaleObjectAgeMs) * time.Millisecond
	}
	if f.Visibility.CellSize > 0 {
		cfg.CellSize = f.Visibility.CellSize
	}
	return cfg
}

func (f File) deltaConfig() delta.TrackerConfig {
	var cfg delta.TrackerConfig
	cfg.KeyframeInterval = f.Delta.KeyframeInterval
	cfg.JournalCapacity = f.Delta.JournalCapacity
	if f.Delta.JournalMaxAgeMs > 0 {
		cfg.JournalMaxAge = time.Duration(f.Delta.JournalMaxAgeMs) * time.Millisecond
	}
	return cfg
}

func (f File) outboundConfig() outbound.Config {
	cfg := outbound.DefaultConfig()
	if f.Outbound.HighIntervalMs > 0 {
		cfg.HighInterval = time.Duration(f.Outbound.HighIntervalMs) * time.Millisecond
	}
	if f.Outbound.MediumIntervalMs > 0 {
		cfg.MediumInterval = time.Duration(f.Outbound.MediumIntervalMs) * time.Millisecond
	}
	if f.Outbound.LowIntervalMs > 0 {
		cfg.LowInterval = time.Duration(f.Outbound.LowIntervalMs) * time.Millisecond
	}
	if len(f.Outbound.ThrottleMs) > 0 {
		cfg.ThrottleIntervals = make(map[string]time.Duration, len(f.Outbound.ThrottleMs))
		for msgType, ms := range f.Outbound.ThrottleMs {
			cfg.ThrottleIntervals[msgType] = time.Duration(ms) * time.Millisecond
		}
	}
	if len(f.Outbound.DedupeTypes) > 0 {
		cfg.DedupeTypes = append([]string(nil), f.Outbound.DedupeTypes...)
	}
	if len(f.Outbound.FieldWhitelist) > 0 {
		cfg.FieldWhitelist = make(map[string][]string, len(f.Outbound.FieldWhitelist))
		for msgType, fields := range f.Outbound.FieldWhitelist {
			cfg.FieldWhitelist[msgType] = append([]string(nil), fields...)
		}
	}
	if f.Outbound.MaxBatchBytes > 0 {
		cfg.MaxBatchBytes = f.Outbound.MaxBatchBytes
	}
	if f.Outbound.CompressMinBytes > 0 {
		cfg.CompressMinBytes = f.Outbound.CompressMinBytes
	}
	return cfg
}

func parseSeverity(name string) (logging.Severity, bool) {
	switch name {
	case "debug":
		return logging.SeverityDebug, true
	case "info":
		return logging.SeverityInfo, true
	case "warn":
		return logging.SeverityWarn, true
	case "error":
		return logging.SeverityError, true
	default:
		return 0, false
	}
}
