// Package service implements the publisher loop (§4.F): it orchestrates the
// TID clock, rate-limit governor, batch sizer, retry engine, and remote
// cache to turn a sorted sequence of canonical play records into
// batch-write requests, honoring cooperative cancellation throughout.
package service

import (
	"context"
	"net/http"
	"time"

	"beatbridge/internal/core/batchsize"
	"beatbridge/internal/core/cache"
	"beatbridge/internal/core/cancel"
	"beatbridge/internal/core/ratelimit"
	"beatbridge/internal/core/retry"
	"beatbridge/internal/core/tid"
	"beatbridge/internal/publish/domain"

	perr "beatbridge/internal/platform/errors"
	"beatbridge/internal/platform/logger"

	"github.com/google/uuid"
)

// CachePersistInterval is how often (in batches) the cache is flushed to
// disk during a run, absent a record-count trigger (§4.F step "g").
const CachePersistInterval = 10

// CachePersistRecordInterval flushes the cache after this many successfully
// published records even if CachePersistInterval batches haven't elapsed.
const CachePersistRecordInterval = 10000

// Config holds the publisher's run-scoped options (§6 table).
type Config struct {
	SchemaTag     string
	SafetyFactor  float64
	Aggressive    bool
	DryRun        bool
	BatchSize     int // 0 means "auto" (sizer decides)
	BatchDelayMs  int // 0 means "auto"
	MaxAttempts   int
	TimeoutMs     int
	CacheTTLHours int
}

// Publisher runs the loop described in §4.F.
type Publisher struct {
	clock    *tid.Clock
	governor *ratelimit.Governor
	cache    *cache.Cache
	sizer    *batchsize.Sizer
	retrier  *retry.Engine
	writer   domain.BatchWriter
	token    *cancel.Token
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

// New constructs a Publisher. The batch sizer is not passed in; Run builds
// one from the number of pending records.
func New(clock *tid.Clock, governor *ratelimit.Governor, cch *cache.Cache, retrier *retry.Engine, writer domain.BatchWriter, token *cancel.Token, cfg Config) *Publisher {
	return &Publisher{
		clock:    clock,
		governor: governor,
		cache:    cch,
		retrier:  retrier,
		writer:   writer,
		token:    token,
		cfg:      cfg,
		log:      logger.Named("publisher"),
		now:      time.Now,
	}
}

// Run executes the loop described in §4.F against records, a sequence the
// caller has already sorted; the publisher preserves that order.
func (p *Publisher) Run(ctx context.Context, session domain.Session, records []domain.PlayRecord) (domain.Result, error) {
	runID := uuid.NewString()
	log := p.log.With().Str("run_id", runID).Str("account", session.AccountID).Logger()

	if len(records) == 0 {
		return domain.Result{}, nil
	}

	cached, hit := p.cache.Load(session.AccountID)
	if !hit {
		cached = map[string]cache.RemoteHandle{}
		if enumerator, ok := p.writer.(domain.RemoteEnumerator); ok {
			remote, err := enumerator.ListRecords(ctx, session.AccountID, p.cfg.SchemaTag)
			if err != nil {
				log.Warn().Err(err).Msg("publisher: remote enumeration failed, continuing with an empty cache")
			} else {
				for _, rr := range remote {
					cached[rr.Value.RecordKey()] = cache.RemoteHandle{URI: rr.URI, CID: rr.CID}
				}
				log.Info().Int("remote_count", len(remote)).Msg("publisher: populated cache from remote enumeration")
			}
		}
	}

	pending := make([]domain.PlayRecord, 0, len(records))
	skipped := 0
	invalid := 0
	for _, r := range records {
		r = r.WithDefaults()
		if r.SchemaTag == "" {
			r.SchemaTag = p.cfg.SchemaTag
		}
		if err := r.Validate(); err != nil {
			invalid++
			log.Warn().Err(err).Str("track", r.TrackName).Msg("publisher: record failed validation, skipped")
			continue
		}
		if _, dup := cached[r.RecordKey()]; dup {
			skipped++
			continue
		}
		pending = append(pending, r)
	}
	log.Info().Int("total", len(records)).Int("invalid", invalid).Int("skipped_duplicates", skipped).Int("pending", len(pending)).Msg("publisher: filtered duplicates")

	if len(pending) == 0 {
		return domain.Result{SkippedDuplicates: skipped, ErrorCount: invalid}, nil
	}

	p.sizer = batchsize.New(len(pending), 0)
	if p.cfg.BatchSize > 0 {
		p.sizer.SetHardCap(p.cfg.BatchSize)
	}

	result := domain.Result{SkippedDuplicates: skipped, ErrorCount: invalid}
	batchesSinceFlush := 0
	recordsSinceFlush := 0

	for len(pending) > 0 {
		if p.token.Requested() {
			result.Cancelled = true
			result.Untried = len(pending)
			break
		}

		n := p.sizer.CurrentSize()
		if n > len(pending) {
			n = len(pending)
		}
		batch := pending[:n]
		pending = pending[n:]

		ops := make([]domain.WriteOp, 0, len(batch))
		for _, r := range batch {
			rkey := p.clock.NextFromTime(r.PlayedTime)
			ops = append(ops, domain.WriteOp{Collection: r.SchemaTag, RKey: rkey, Value: r})
		}

		if p.cfg.DryRun {
			log.Info().Int("batch_size", len(ops)).Interface("writes", ops).Msg("publisher: dry-run, not submitting batch")
			result.SuccessCount += len(ops)
			for i, r := range batch {
				cached[r.RecordKey()] = cache.RemoteHandle{URI: "dry-run:" + ops[i].RKey}
			}
			batchesSinceFlush++
			recordsSinceFlush += len(ops)
			if shouldFlush(batchesSinceFlush, recordsSinceFlush) {
				p.flushCache(session.AccountID, cached, log)
				batchesSinceFlush, recordsSinceFlush = 0, 0
			}
			continue
		}

		if err := p.governor.Acquire(ctx, ratelimit.CostPerCreate*len(ops)); err != nil {
			result.Cancelled = true
			result.Untried = len(pending) + len(batch)
			p.flushCache(session.AccountID, cached, log)
			return result, nil
		}

		start := p.now()
		results, header, status, err := p.submitWithRetry(ctx, session, ops)
		latency := p.now().Sub(start)

		if status != 0 {
			wait, is429 := p.governor.ObserveResponse(header, status)
			if is429 {
				log.Warn().Dur("wait", wait).Msg("publisher: 429 after retry exhaustion, backing off and retrying batch")
				if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
					result.Cancelled = true
					result.Untried = len(pending) + len(batch)
					p.flushCache(session.AccountID, cached, log)
					return result, nil
				}
				pending = append(batch, pending...)
				continue
			}
		}

		if err != nil {
			if perr.IsCode(err, perr.ErrorCodeUnauthorized) {
				result.Untried = len(pending) + len(batch)
				p.flushCache(session.AccountID, cached, log)
				log.Error().Err(err).Msg("publisher: authentication revoked, stopping")
				return result, err
			}

			log.Error().Err(err).Int("batch_size", len(ops)).Msg("publisher: non-retryable batch failure, skipping")
			result.ErrorCount += len(ops)
			p.sizer.OnResponse(latency, false)
			continue
		}

		for i, r := range batch {
			handle := cache.RemoteHandle{}
			if i < len(results) {
				handle = cache.RemoteHandle{URI: results[i].URI, CID: results[i].CID}
			}
			cached[r.RecordKey()] = handle
		}
		result.SuccessCount += len(ops)
		p.sizer.OnResponse(latency, true)

		batchesSinceFlush++
		recordsSinceFlush += len(ops)
		if shouldFlush(batchesSinceFlush, recordsSinceFlush) {
			p.flushCache(session.AccountID, cached, log)
			batchesSinceFlush, recordsSinceFlush = 0, 0
		}
	}

	p.flushCache(session.AccountID, cached, log)

	log.Info().
		Int("success_count", result.SuccessCount).
		Int("error_count", result.ErrorCount).
		Int("skipped_duplicates", result.SkippedDuplicates).
		Int("untried", result.Untried).
		Bool("cancelled", result.Cancelled).
		Msg("publisher: run finished")

	return result, nil
}

func shouldFlush(batches, records int) bool {
	return batches >= CachePersistInterval || records >= CachePersistRecordInterval
}

func (p *Publisher) flushCache(accountID string, cached map[string]cache.RemoteHandle, log logger.Logger) {
	if err := p.cache.Save(accountID, cached); err != nil {
		log.Error().Err(err).Msg("publisher: failed to persist cache")
	}
}

func (p *Publisher) submitWithRetry(ctx context.Context, session domain.Session, ops []domain.WriteOp) ([]domain.WriteResult, http.Header, int, error) {
	var (
		results []domain.WriteResult
		header  http.Header
		status  int
	)
	err := p.retrier.Do(ctx, retry.ClassBatch, func(callCtx context.Context) error {
		r, h, s, callErr := p.writer.ApplyWrites(callCtx, session.AccountID, ops)
		results, header, status = r, h, s
		return callErr
	})
	return results, header, status, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
