package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mount     MountConfig     `yaml:"mount"`
	Guider    GuiderConfig    `yaml:"guider"`
	Profile   ProfileConfig   `yaml:"profile"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Web       WebConfig       `yaml:"web"`
	Sim       SimConfig       `yaml:"sim"`
}

type MountConfig struct {
	Class            string  `yaml:"class"`
	Backend          string  `yaml:"backend"` // sim, st4, lx200
	MaxDecDurationMs int     `yaml:"max_dec_duration_ms"`
	CalibrationYRate float64 `yaml:"calibration_y_rate"` // px per ms
	CalibrationAngle float64 `yaml:"calibration_angle"`  // radians
	CalibrationDurMs int     `yaml:"calibration_dur_ms"`
	ST4              ST4Config   `yaml:"st4"`
	LX200            LX200Config `yaml:"lx200"`
}

type ST4Config struct {
	Chip      string `yaml:"chip"`
	NorthLine int    `yaml:"north_line"`
	SouthLine int    `yaml:"south_line"`
	EastLine  int    `yaml:"east_line"`
	WestLine  int    `yaml:"west_line"`
}

type LX200Config struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type GuiderConfig struct {
	Source           string  `yaml:"source"` // sim, mqtt
	MinMovePx        float64 `yaml:"min_move_px"`
	MaxMovePx        float64 `yaml:"max_move_px"`
	PixelScale       float64 `yaml:"pixel_scale"` // arc-sec per px
	DriftPerMin      float64 `yaml:"drift_per_min"`
	ApplyMeasurement bool    `yaml:"apply_measurement"`
	CameraWidth      int     `yaml:"camera_width"`
	CameraHeight     int     `yaml:"camera_height"`
}

type ProfileConfig struct {
	Path string `yaml:"path"`
}

type TelemetryConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	StarTopic   string `yaml:"star_topic"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Addr   string `yaml:"addr"`
}

type SimConfig struct {
	BacklashMs    int     `yaml:"backlash_ms"`
	StictionMs    int     `yaml:"stiction_ms"`
	RatePxPerMs   float64 `yaml:"rate_px_per_ms"`
	DriftPxPerSec float64 `yaml:"drift_px_per_sec"`
	SeeingPx      float64 `yaml:"seeing_px"`
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	ExposureMs    int     `yaml:"exposure_ms"`
	Seed          int64   `yaml:"seed"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Mount.Class == "" {
		cfg.Mount.Class = "scope"
	}
	if cfg.Mount.Backend == "" {
		cfg.Mount.Backend = "sim"
	}
	switch cfg.Mount.Backend {
	case "sim":
	case "st4":
		if cfg.Mount.ST4.Chip == "" {
			cfg.Mount.ST4.Chip = "/dev/gpiochip0"
		}
	case "lx200":
		if cfg.Mount.LX200.Port == "" {
			return Config{}, fmt.Errorf("mount.lx200.port is required when mount.backend is 'lx200'")
		}
		if cfg.Mount.LX200.Baud == 0 {
			cfg.Mount.LX200.Baud = 9600
		}
	default:
		return Config{}, fmt.Errorf("mount.backend must be one of sim, st4, lx200")
	}
	if cfg.Mount.MaxDecDurationMs <= 0 {
		cfg.Mount.MaxDecDurationMs = 2500
	}
	if cfg.Mount.CalibrationYRate < 0 {
		return Config{}, fmt.Errorf("mount.calibration_y_rate must be >= 0")
	}
	if cfg.Mount.CalibrationDurMs <= 0 {
		cfg.Mount.CalibrationDurMs = 750
	}

	if cfg.Guider.Source == "" {
		cfg.Guider.Source = "sim"
	}
	if cfg.Guider.Source != "sim" && cfg.Guider.Source != "mqtt" {
		return Config{}, fmt.Errorf("guider.source must be 'sim' or 'mqtt'")
	}
	if cfg.Guider.Source == "mqtt" {
		if cfg.Telemetry.Broker == "" {
			return Config{}, fmt.Errorf("telemetry.broker is required when guider.source is 'mqtt'")
		}
		if cfg.Telemetry.StarTopic == "" {
			return Config{}, fmt.Errorf("telemetry.star_topic is required when guider.source is 'mqtt'")
		}
	}
	if cfg.Guider.MinMovePx < 0 {
		return Config{}, fmt.Errorf("guider.min_move_px must be >= 0")
	}
	if cfg.Guider.MinMovePx == 0 {
		cfg.Guider.MinMovePx = 0.15
	}
	if cfg.Guider.MaxMovePx <= 0 {
		cfg.Guider.MaxMovePx = 20
	}
	if cfg.Guider.PixelScale <= 0 {
		cfg.Guider.PixelScale = 1.5
	}
	if cfg.Guider.CameraWidth <= 0 {
		cfg.Guider.CameraWidth = 1280
	}
	if cfg.Guider.CameraHeight <= 0 {
		cfg.Guider.CameraHeight = 1024
	}

	if cfg.Profile.Path == "" {
		cfg.Profile.Path = "./profile.yaml"
	}

	if cfg.Telemetry.Broker != "" {
		if cfg.Telemetry.ClientID == "" {
			cfg.Telemetry.ClientID = "decguide"
		}
		if cfg.Telemetry.TopicPrefix == "" {
			cfg.Telemetry.TopicPrefix = "decguide"
		}
	}

	if cfg.Web.Enable && cfg.Web.Addr == "" {
		cfg.Web.Addr = ":8799"
	}

	// Simulator defaults (safe even if unused).
	if cfg.Sim.RatePxPerMs == 0 {
		cfg.Sim.RatePxPerMs = 0.05
	}
	if cfg.Sim.Width <= 0 {
		cfg.Sim.Width = 1280
	}
	if cfg.Sim.Height <= 0 {
		cfg.Sim.Height = 1024
	}
	if cfg.Sim.ExposureMs <= 0 {
		cfg.Sim.ExposureMs = 1000
	}

	return cfg, nil
}
