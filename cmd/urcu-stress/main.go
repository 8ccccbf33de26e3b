// urcu-stress drives the containers of this library under configurable
// concurrent load and checks their invariants at quiesce. One run
// exercises a single structure (judy array, range map, red-black tree,
// queue or deque) with a pool of writer and reader goroutines.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/loveCupid/urcu/internal/config"
	"github.com/loveCupid/urcu/internal/telemetry"
	"github.com/loveCupid/urcu/logger"
	zapfactory "github.com/loveCupid/urcu/logger/zap"
	"github.com/loveCupid/urcu/rcu"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (empty = built-in defaults)")
	flag.Parse()

	// Load configuration
	var cfg *config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load configuration from %q: %v", *configPath, err)
		}
	} else {
		cfg = config.Default()
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// Initialize logger
	var lgr logger.Logger
	if cfg.Logger.Active {
		zapLog, err := zapfactory.New(cfg.Logger)
		if err != nil {
			log.Fatalf("failed to initialize logger: %v", err)
		}
		defer func() { _ = zapLog.Sync() }() // flush logger buffers before exit
		lgr = zapfactory.NewZapAdapter(zapLog)
	} else {
		lgr = &logger.NopLogger{}
	}
	cfg.LogConfig(lgr)

	// Every run gets a sortable identifier, carried in logs and spans.
	runID := ulid.Make().String()
	lgr = lgr.Named("stress").With(logger.F("run", runID))

	// Initialize telemetry (if enabled)
	shutdown := telemetry.InitTracer(cfg.Telemetry, "urcu-stress", runID)
	defer func() { _ = shutdown(context.Background()) }()
	tracer := otel.Tracer("urcu-stress")

	seed := cfg.Stress.Seed
	if seed == 0 {
		seed = int64(ulid.MustParse(runID).Time())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Stress.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Stress.Duration)
		defer cancel()
	}

	w := &workload{
		cfg:    cfg.Stress,
		lgr:    lgr,
		flavor: rcu.NewEpoch(),
		tracer: tracer,
		seed:   seed,
	}

	ctx, span := tracer.Start(ctx, "stress-run")
	start := time.Now()
	err := w.run(ctx)
	span.End()

	lgr.Info("run finished",
		logger.F("structure", cfg.Stress.Structure),
		logger.F("elapsed", time.Since(start).String()),
		logger.F("writes", w.nrWrites.Load()),
		logger.F("reads", w.nrReads.Load()),
	)
	if err != nil {
		lgr.Error("stress run failed", logger.F("err", err))
		os.Exit(1)
	}
}

// rngFor derives a per-worker random source from the run seed.
func rngFor(seed int64, worker int) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(worker)+1))
}
