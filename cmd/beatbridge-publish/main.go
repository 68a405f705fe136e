package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"beatbridge/internal/control"
	"beatbridge/internal/core/cache"
	"beatbridge/internal/core/cancel"
	"beatbridge/internal/core/ratelimit"
	"beatbridge/internal/core/retry"
	"beatbridge/internal/core/tid"
	"beatbridge/internal/platform/config"
	"beatbridge/internal/platform/logger"
	phttp "beatbridge/internal/platform/net/http"
	"beatbridge/internal/platform/statedir"
	"beatbridge/internal/publish"
	"beatbridge/internal/publish/atproto"
	"beatbridge/internal/publish/domain"
	"beatbridge/internal/publish/service"
)

func main() {
	var (
		fInput   = flag.String("input", "", "path to a JSON array of canonical play records")
		fAccount = flag.String("account", "", "account DID")
		fPDS     = flag.String("pds", "", "base URL of the account's PDS")
		fJWT     = flag.String("jwt", "", "access JWT (or BEATBRIDGE_JWT env var)")
	)
	flag.Parse()

	cfg := publish.Load()
	logger.Init(logger.FromEnv())
	l := logger.Get()

	if *fInput == "" || *fAccount == "" || *fPDS == "" {
		l.Panic().Msg("-input, -account and -pds are required")
	}
	jwt := *fJWT
	if jwt == "" {
		jwt = os.Getenv("BEATBRIDGE_JWT")
	}
	if jwt == "" {
		l.Panic().Msg("missing access JWT: pass -jwt or set BEATBRIDGE_JWT")
	}

	records, err := loadRecords(*fInput)
	if err != nil {
		l.Panic().Err(err).Str("path", *fInput).Msg("failed to load input records")
	}

	dir := statedir.Static(cfg.StateDir)
	clock, err := tid.New(dir, false)
	if err != nil {
		l.Panic().Err(err).Msg("tid.New failed")
	}
	governor, err := ratelimit.New(dir, cfg.SafetyFactor)
	if err != nil {
		l.Panic().Err(err).Msg("ratelimit.New failed")
	}
	cch := cache.New(dir, cache.WithTTL(cfg.CacheTTL))
	retrier := retry.New(retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Initial:     time.Second,
		MaxDelay:    30 * time.Second,
		Timeouts:    retry.DefaultTimeouts(),
	})
	client := atproto.New()
	token := cancel.New()

	session := domain.Session{AccountID: *fAccount, PDSBaseURL: *fPDS, AuthTokens: domain.AuthTokens{AccessJWT: jwt}}
	writer := client.ForSession(session)

	pub := service.New(clock, governor, cch, retrier, writer, token, service.Config{
		SchemaTag:     cfg.SchemaTag,
		SafetyFactor:  cfg.SafetyFactor,
		Aggressive:    cfg.Aggressive,
		DryRun:        cfg.DryRun,
		BatchSize:     cfg.BatchSize,
		BatchDelayMs:  cfg.BatchDelayMs,
		MaxAttempts:   cfg.MaxAttempts,
		TimeoutMs:     cfg.TimeoutMs,
		CacheTTLHours: int(cfg.CacheTTL.Hours()),
	})

	var progress atomic.Pointer[control.Progress]
	progress.Store(&control.Progress{State: "starting", Pending: len(records)})

	if cfg.ControlAddr != "" {
		_ = os.Setenv("BEATBRIDGE_CONTROL_API_PORT", cfg.ControlAddr)
		controlSrv := phttp.NewServer(config.New().Prefix("BEATBRIDGE_CONTROL_"))
		control.Mount(controlSrv.Router(), control.Options{
			Token:          token,
			Governor:       governor,
			Snapshot:       func() control.Progress { return *progress.Load() },
			EnableProfiler: os.Getenv("BEATBRIDGE_CONTROL_PROFILER") == "1",
		})
		go func() {
			if err := controlSrv.Run(context.Background()); err != nil {
				l.Error().Err(err).Msg("control-plane server stopped")
			}
		}()
	}

	// First interrupt asks the publisher to stop at the next batch boundary
	// without aborting an in-flight request; a second forces immediate exit.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Warn().Msg("interrupt received, stopping after the current batch")
		token.Request()
		<-sigCh
		l.Warn().Msg("second interrupt received, forcing immediate exit")
		os.Exit(130)
	}()

	progress.Store(&control.Progress{State: "running", Pending: len(records)})
	result, runErr := pub.Run(context.Background(), session, records)
	if runErr != nil {
		l.Error().Err(runErr).Msg("publish run ended with error")
		os.Exit(1)
	}
	if result.Cancelled {
		l.Warn().Int("untried", result.Untried).Msg("publish run cancelled")
		os.Exit(130)
	}
}

func loadRecords(path string) ([]domain.PlayRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []domain.PlayRecord
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return nil, err
	}
	for i := range records {
		records[i] = records[i].WithDefaults()
	}
	return records, nil
}
