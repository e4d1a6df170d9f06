package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"decguide/internal/backlash"
	"decguide/internal/config"
	"decguide/internal/guider"
	"decguide/internal/lx200"
	"decguide/internal/profile"
	"decguide/internal/scope"
	"decguide/internal/sim"
	"decguide/internal/st4"
	"decguide/internal/telemetry"
	"decguide/internal/web"
)

func main() {
	var configPath string
	var measure bool
	flag.StringVar(&configPath, "config", "./dev.yaml", "Path to YAML config")
	flag.BoolVar(&measure, "measure", false, "Run a backlash measurement at startup")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := profile.Open(cfg.Profile.Path)
	if err != nil {
		log.Fatalf("profile open failed: %v", err)
	}

	mountSim := sim.New(sim.Config{
		BacklashMs:    cfg.Sim.BacklashMs,
		StictionMs:    cfg.Sim.StictionMs,
		RatePxPerMs:   cfg.Sim.RatePxPerMs,
		DriftPxPerSec: cfg.Sim.DriftPxPerSec,
		SeeingPx:      cfg.Sim.SeeingPx,
		Width:         cfg.Sim.Width,
		Height:        cfg.Sim.Height,
		ExposureMs:    cfg.Sim.ExposureMs,
		Seed:          cfg.Sim.Seed,
	})

	var pulser scope.Pulser
	switch cfg.Mount.Backend {
	case "sim":
		pulser = mountSim
	case "st4":
		port, err := st4.Open(st4.Config{
			Chip:      cfg.Mount.ST4.Chip,
			NorthLine: cfg.Mount.ST4.NorthLine,
			SouthLine: cfg.Mount.ST4.SouthLine,
			EastLine:  cfg.Mount.ST4.EastLine,
			WestLine:  cfg.Mount.ST4.WestLine,
		})
		if err != nil {
			log.Fatalf("st4 open failed: %v", err)
		}
		pulser = port
	case "lx200":
		mount, err := lx200.Open(lx200.Config{Port: cfg.Mount.LX200.Port, Baud: cfg.Mount.LX200.Baud})
		if err != nil {
			log.Fatalf("lx200 open failed: %v", err)
		}
		pulser = mount
	}

	sc := scope.New(scope.Config{
		Class:            cfg.Mount.Class,
		MaxDecDurationMs: cfg.Mount.MaxDecDurationMs,
		CalibrationValid: cfg.Mount.CalibrationYRate > 0,
		CalibrationYRate: cfg.Mount.CalibrationYRate,
		CalibrationAngle: cfg.Mount.CalibrationAngle,
		CalibrationDurMs: cfg.Mount.CalibrationDurMs,
	}, pulser)
	defer sc.Close()

	bcast := web.NewEventBroadcaster()
	sinks := []guider.Sink{bcast}

	var pub *telemetry.Publisher
	if cfg.Telemetry.Broker != "" {
		pub, err = telemetry.NewPublisher(telemetry.Config{
			Broker:      cfg.Telemetry.Broker,
			ClientID:    cfg.Telemetry.ClientID,
			TopicPrefix: cfg.Telemetry.TopicPrefix,
		})
		if err != nil {
			log.Fatalf("telemetry init failed: %v", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	var src guider.FrameSource = mountSim
	var camera guider.Camera = mountSim
	if cfg.Guider.Source == "mqtt" {
		camera = guider.FixedCamera{Width: cfg.Guider.CameraWidth, Height: cfg.Guider.CameraHeight}
		fs, err := telemetry.NewFrameSource(telemetry.Config{
			Broker:    cfg.Telemetry.Broker,
			ClientID:  cfg.Telemetry.ClientID,
			StarTopic: cfg.Telemetry.StarTopic,
		})
		if err != nil {
			log.Fatalf("frame source init failed: %v", err)
		}
		src = fs
	}

	notify := func(name string, value any) {
		log.Printf("param: %s = %v", name, value)
	}
	comp := backlash.NewComp(sc, store, notify)

	loop := guider.New(guider.Config{
		MinMovePx:        cfg.Guider.MinMovePx,
		MaxMovePx:        cfg.Guider.MaxMovePx,
		PixelScale:       cfg.Guider.PixelScale,
		DriftPerMin:      cfg.Guider.DriftPerMin,
		ApplyMeasurement: cfg.Guider.ApplyMeasurement,
	}, src, camera, sc, comp, sinks...)

	log.Printf("decguide starting, mount=%s backend=%s", cfg.Mount.Class, cfg.Mount.Backend)

	if cfg.Web.Enable {
		server := web.NewServer(cfg.Web.Addr, loop, bcast)
		go func() {
			if err := server.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
				cancel()
			}
		}()
	}

	if measure {
		loop.StartMeasurement()
	}

	if err := loop.Run(ctx); err != nil {
		log.Fatalf("guider loop failed: %v", err)
	}
	log.Printf("decguide stopping")
}
