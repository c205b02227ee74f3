// Package app assembles the server: configuration, the logging router and its
// sinks, the engine and tick loop, the outbound flush timers, and the HTTP
// surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"stardrift/server/internal/config"
	servernet "stardrift/server/internal/net"
	"stardrift/server/internal/observability"
	"stardrift/server/internal/pool"
	"stardrift/server/internal/sim"
	"stardrift/server/internal/telemetry"
	"stardrift/server/logging"
	loggingSinks "stardrift/server/logging/sinks"
)

const configPathEnv = "STARDRIFT_CONFIG"

const (
	defaultResourceTarget  = 400
	defaultResourceRespawn = 30 * time.Second
)

// Run starts the server and blocks until the context is cancelled or the
// listener fails.
func Run(ctx context.Context) error {
	cfgFile := config.Default()
	if path := os.Getenv(configPathEnv); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfgFile = loaded
	}

	telemetryLogger := telemetry.WrapLogger(log.Default())

	logConfig := cfgFile.LoggingConfig()
	sinks := map[string]logging.Sink{
		"console": loggingSinks.NewConsole(os.Stdout),
	}
	if logConfig.HasSink("zap") && logConfig.Zap.FilePath != "" {
		sinks["zap"] = loggingSinks.NewZap(logConfig.Zap)
	}
	if logConfig.HasSink("json") && logConfig.JSON.FilePath != "" {
		file, err := os.OpenFile(logConfig.JSON.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open json log: %w", err)
		}
		defer file.Close()
		jsonSink, err := loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval, logConfig.JSON.Compress)
		if err != nil {
			return fmt.Errorf("construct json sink: %w", err)
		}
		sinks["json"] = jsonSink
	}

	router, err := logging.NewRouter(logConfig, logging.SystemClock{}, log.Default(), sinks)
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	metrics := logging.NewMetrics()

	engineCfg := cfgFile.EngineConfig()
	engine := sim.NewEngine(engineCfg, sim.Deps{
		Logger:    telemetryLogger,
		Metrics:   telemetry.WrapMetrics(metrics),
		Publisher: router,
		Clock:     logging.SystemClock{},
	})
	defer engine.Close()

	loop := sim.NewLoop(engine, cfgFile.LoopConfig(), sim.LoopHooks{
		AfterStep: func(result sim.LoopStepResult) {
			if result.Duration > result.Budget {
				telemetryLogger.Printf(
					"[tick] slow step tick=%d duration=%s budget=%s commands=%d",
					result.Tick, result.Duration, result.Budget, result.Commands,
				)
			}
		},
		OnQueueWarning: func(length int) {
			telemetryLogger.Printf("[tick] command queue depth %d", length)
		},
	})

	stop := make(chan struct{})
	go loop.Run(stop)
	go engine.Optimizer().Run(stop)
	defer close(stop)

	pools := pool.NewManager(0)
	spawner := newResourceSpawner(
		engine, pools, telemetryLogger,
		engineCfg.Bounds, defaultResourceTarget, defaultResourceRespawn,
		time.Now().UnixNano(),
	)
	go spawner.run(stop)

	observabilityCfg := observability.Config{EnablePprof: cfgFile.EnablePprof}
	if raw := os.Getenv("ENABLE_PPROF"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			observabilityCfg.EnablePprof = value
		} else {
			telemetryLogger.Printf("invalid ENABLE_PPROF=%q: %v", raw, err)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	bounds := engineCfg.Bounds
	spawn := func() (float64, float64) {
		if bounds.MaxX <= bounds.MinX || bounds.MaxY <= bounds.MinY {
			return 0, 0
		}
		x := bounds.MinX + rng.Float64()*(bounds.MaxX-bounds.MinX)
		y := bounds.MinY + rng.Float64()*(bounds.MaxY-bounds.MinY)
		return x, y
	}

	handler := servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		Engine:        engine,
		Loop:          loop,
		Logger:        telemetryLogger,
		Observability: observabilityCfg,
		Spawn:         spawn,
	})

	srv := &http.Server{Addr: cfgFile.Listen, Handler: handler}
	telemetryLogger.Printf("server listening on %s", srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}
