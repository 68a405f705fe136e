package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"beatbridge/internal/core/cache"
	"beatbridge/internal/core/cancel"
	"beatbridge/internal/core/ratelimit"
	"beatbridge/internal/core/retry"
	"beatbridge/internal/core/tid"
	"beatbridge/internal/platform/statedir"
	"beatbridge/internal/publish/atproto"
	"beatbridge/internal/publish/domain"
)

func newHarness(t *testing.T, handler http.HandlerFunc) (*Publisher, domain.Session, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)

	dir := statedir.Static(t.TempDir())
	clock, err := tid.New(dir, true)
	if err != nil {
		t.Fatalf("tid.New: %v", err)
	}
	gov, err := ratelimit.New(dir, 0.75)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	cch := cache.New(dir)
	retrier := retry.New(retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, MaxDelay: 10 * time.Millisecond, Timeouts: retry.DefaultTimeouts()})
	client := atproto.New(atproto.WithHTTPClient(srv.Client()))
	session := domain.Session{AccountID: "did:plc:test", PDSBaseURL: srv.URL, AuthTokens: domain.AuthTokens{AccessJWT: "t"}}
	writer := client.ForSession(session)

	pub := New(clock, gov, cch, retrier, writer, cancel.New(), Config{SchemaTag: "app.scrobble.play"})
	return pub, session, srv.Close
}

func tr(secOffset int) time.Time {
	return time.Date(2021, 6, 15, 20, 0, 0, 0, time.UTC).Add(time.Duration(secOffset) * time.Second)
}

func TestRunHappyPathAllSucceed(t *testing.T) {
	var gotOps int32
	pub, session, closeSrv := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Writes []struct {
				RKey string `json:"rkey"`
			} `json:"writes"`
		}
		_ = decodeJSON(r, &body)
		atomic.AddInt32(&gotOps, int32(len(body.Writes)))
		w.Header().Set("Ratelimit-Limit", "5000")
		w.Header().Set("Ratelimit-Remaining", "4997")
		w.WriteHeader(http.StatusOK)
		writeApplyWritesResponse(w, len(body.Writes))
	})
	defer closeSrv()

	records := []domain.PlayRecord{
		{TrackName: "A", Artists: []domain.Artist{{Name: "Artist"}}, PlayedTime: tr(0)},
		{TrackName: "B", Artists: []domain.Artist{{Name: "Artist"}}, PlayedTime: tr(1)},
		{TrackName: "C", Artists: []domain.Artist{{Name: "Artist"}}, PlayedTime: tr(2)},
	}

	result, err := pub.Run(context.Background(), session, records)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.SuccessCount != 3 || result.ErrorCount != 0 || result.Cancelled {
		t.Fatalf("result = %+v, want successCount=3", result)
	}
	if gotOps != 3 {
		t.Fatalf("server observed %d ops, want 3", gotOps)
	}
}

func TestRunSkipsRecordsAlreadyInCache(t *testing.T) {
	var gotOps int32
	pub, session, closeSrv := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Writes []struct {
				RKey string `json:"rkey"`
			} `json:"writes"`
		}
		_ = decodeJSON(r, &body)
		atomic.AddInt32(&gotOps, int32(len(body.Writes)))
		w.WriteHeader(http.StatusOK)
		writeApplyWritesResponse(w, len(body.Writes))
	})
	defer closeSrv()

	records := []domain.PlayRecord{
		{TrackName: "A", Artists: []domain.Artist{{Name: "Artist"}}, PlayedTime: tr(0)},
		{TrackName: "B", Artists: []domain.Artist{{Name: "Artist"}}, PlayedTime: tr(1)},
	}

	dupKey := records[0].RecordKey()
	if err := pub.cache.Save(session.AccountID, map[string]cache.RemoteHandle{dupKey: {URI: "x"}}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	result, err := pub.Run(context.Background(), session, records)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.SuccessCount != 1 || result.SkippedDuplicates != 1 {
		t.Fatalf("result = %+v, want successCount=1 skippedDuplicates=1", result)
	}
	if gotOps != 1 {
		t.Fatalf("server observed %d ops, want 1", gotOps)
	}
}

func TestRunPopulatesCacheFromRemoteEnumerationOnMiss(t *testing.T) {
	remoteAlready := domain.PlayRecord{TrackName: "A", Artists: []domain.Artist{{Name: "Artist"}}, PlayedTime: tr(0)}
	var gotOps int32
	pub, session, closeSrv := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "listRecords") {
			writeListRecordsResponse(w, []wireListRecord{
				{URI: "at://did:plc:test/app.scrobble.play/x", CID: "bafy", Value: remoteAlready},
			})
			return
		}
		var body struct {
			Writes []struct {
				RKey string `json:"rkey"`
			} `json:"writes"`
		}
		_ = decodeJSON(r, &body)
		atomic.AddInt32(&gotOps, int32(len(body.Writes)))
		w.WriteHeader(http.StatusOK)
		writeApplyWritesResponse(w, len(body.Writes))
	})
	defer closeSrv()

	records := []domain.PlayRecord{
		remoteAlready,
		{TrackName: "B", Artists: []domain.Artist{{Name: "Artist"}}, PlayedTime: tr(1)},
	}

	result, err := pub.Run(context.Background(), session, records)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.SuccessCount != 1 || result.SkippedDuplicates != 1 {
		t.Fatalf("result = %+v, want successCount=1 skippedDuplicates=1 (deduped via remote enumeration)", result)
	}
	if gotOps != 1 {
		t.Fatalf("server observed %d ops, want 1", gotOps)
	}
}

func TestRunSkipsInvalidRecordsIntoErrorCount(t *testing.T) {
	var gotOps int32
	pub, session, closeSrv := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Writes []struct {
				RKey string `json:"rkey"`
			} `json:"writes"`
		}
		_ = decodeJSON(r, &body)
		atomic.AddInt32(&gotOps, int32(len(body.Writes)))
		w.WriteHeader(http.StatusOK)
		writeApplyWritesResponse(w, len(body.Writes))
	})
	defer closeSrv()

	records := []domain.PlayRecord{
		{TrackName: "Valid", Artists: []domain.Artist{{Name: "Artist"}}, PlayedTime: tr(0)},
		{TrackName: "NoArtist", PlayedTime: tr(1)},
	}

	result, err := pub.Run(context.Background(), session, records)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.SuccessCount != 1 || result.ErrorCount != 1 {
		t.Fatalf("result = %+v, want successCount=1 errorCount=1", result)
	}
	if gotOps != 1 {
		t.Fatalf("server observed %d ops, want 1", gotOps)
	}
}

func TestRunEmptyInputReturnsZeroResult(t *testing.T) {
	pub, session, closeSrv := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no network call expected for empty input")
	})
	defer closeSrv()

	result, err := pub.Run(context.Background(), session, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != (domain.Result{}) {
		t.Fatalf("result = %+v, want zero value", result)
	}
}

func TestRunCancellationStopsAtBatchBoundary(t *testing.T) {
	var batchesServed int32
	var pubRef *Publisher
	pub, session, closeSrv := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&batchesServed, 1)
		if n == 2 {
			pubRef.token.Request()
		}
		var body struct {
			Writes []struct {
				RKey string `json:"rkey"`
			} `json:"writes"`
		}
		_ = decodeJSON(r, &body)
		w.WriteHeader(http.StatusOK)
		writeApplyWritesResponse(w, len(body.Writes))
	})
	defer closeSrv()
	pubRef = pub

	records := make([]domain.PlayRecord, 100)
	for i := range records {
		records[i] = domain.PlayRecord{TrackName: "T", Artists: []domain.Artist{{Name: "Artist"}}, PlayedTime: tr(i)}
	}

	result, err := pub.Run(context.Background(), session, records)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Cancelled {
		t.Fatalf("result.Cancelled = false, want true")
	}
	if result.SuccessCount+result.ErrorCount+result.SkippedDuplicates+result.Untried != len(records) {
		t.Fatalf("accounting invariant violated: %+v vs %d inputs", result, len(records))
	}
}

func TestRunPreservesAscendingTIDOrderAcrossBatches(t *testing.T) {
	var collected sortedRKeys
	pub, session, closeSrv := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Writes []struct {
				RKey string `json:"rkey"`
			} `json:"writes"`
		}
		_ = decodeJSON(r, &body)
		for _, op := range body.Writes {
			collected.add(op.RKey)
		}
		w.WriteHeader(http.StatusOK)
		writeApplyWritesResponse(w, len(body.Writes))
	})
	defer closeSrv()

	records := make([]domain.PlayRecord, 25)
	for i := range records {
		records[i] = domain.PlayRecord{TrackName: "T", Artists: []domain.Artist{{Name: "Artist"}}, PlayedTime: tr(i)}
	}

	if _, err := pub.Run(context.Background(), session, records); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := collected.keys
	sorted := append([]string(nil), got...)
	sort.Strings(sorted)
	for i := range got {
		if got[i] != sorted[i] {
			t.Fatalf("rkeys not submitted in ascending order: %v", got)
		}
	}
}

type sortedRKeys struct{ keys []string }

func (s *sortedRKeys) add(k string) { s.keys = append(s.keys, k) }
