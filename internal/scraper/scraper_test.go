package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/registry"
	"github.com/vigil-sh/vigil/internal/storage/types"
)

func testTarget(t *testing.T, srv *httptest.Server, labels types.Labels) *registry.Target {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	return &registry.Target{
		Name:    "test",
		Address: u.Host,
		Scheme:  "http",
		Path:    "/metrics",
		Timeout: 2 * time.Second,
		Labels:  labels,
	}
}

func findSample(samples []types.Sample, metric string) (types.Sample, bool) {
	for _, s := range samples {
		if s.Metric == metric {
			return s, true
		}
	}
	return types.Sample{}, false
}

func TestScrapeFlattensExposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`# HELP http_requests_total Total requests.
# TYPE http_requests_total counter
http_requests_total{code="200"} 1027
http_requests_total{code="500"} 3
# TYPE queue_depth gauge
queue_depth 12.5
`))
	}))
	defer srv.Close()

	tgt := testTarget(t, srv, types.Labels{"job": "test"})
	result := New().Scrape(context.Background(), tgt)
	if result.Err != nil {
		t.Fatalf("scrape: %v", result.Err)
	}

	// 2 counters + 1 gauge + up.
	if len(result.Samples) != 4 {
		t.Fatalf("expected 4 samples, got %d: %+v", len(result.Samples), result.Samples)
	}

	gauge, ok := findSample(result.Samples, "queue_depth")
	if !ok || gauge.Value != 12.5 {
		t.Errorf("queue_depth wrong: %+v", gauge)
	}

	up, ok := findSample(result.Samples, "up")
	if !ok || up.Value != 1 {
		t.Errorf("up sample missing or wrong: %+v", up)
	}

	// Every sample carries the scrape start timestamp.
	want := result.Start.UnixMilli()
	for _, s := range result.Samples {
		if s.TimestampMs != want {
			t.Errorf("sample %s has ts %d, want scrape start %d", s.Metric, s.TimestampMs, want)
		}
	}
}

func TestTargetLabelsWinOverBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("queue_depth{env=\"from_body\",extra=\"kept\"} 1\n"))
	}))
	defer srv.Close()

	tgt := testTarget(t, srv, types.Labels{"env": "prod"})
	result := New().Scrape(context.Background(), tgt)
	if result.Err != nil {
		t.Fatalf("scrape: %v", result.Err)
	}

	s, ok := findSample(result.Samples, "queue_depth")
	if !ok {
		t.Fatal("queue_depth missing")
	}
	if s.Labels["env"] != "prod" {
		t.Errorf("target label must win: got env=%q", s.Labels["env"])
	}
	if s.Labels["extra"] != "kept" {
		t.Errorf("body-only label must survive: %v", s.Labels)
	}
}

func TestDuplicateSeriesLaterWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("queue_depth 1\nqueue_depth 2\n"))
	}))
	defer srv.Close()

	tgt := testTarget(t, srv, nil)
	result := New().Scrape(context.Background(), tgt)
	if result.Err != nil {
		t.Fatalf("scrape: %v", result.Err)
	}

	count := 0
	for _, s := range result.Samples {
		if s.Metric == "queue_depth" {
			count++
			if s.Value != 2 {
				t.Errorf("later declaration must win: got %v", s.Value)
			}
		}
	}
	if count != 1 {
		t.Errorf("duplicate series must collapse to one sample, got %d", count)
	}
}

func TestScrapeHistogramExpansion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`# TYPE req_duration_seconds histogram
req_duration_seconds_bucket{le="0.1"} 5
req_duration_seconds_bucket{le="+Inf"} 8
req_duration_seconds_sum 1.2
req_duration_seconds_count 8
`))
	}))
	defer srv.Close()

	tgt := testTarget(t, srv, nil)
	result := New().Scrape(context.Background(), tgt)
	if result.Err != nil {
		t.Fatalf("scrape: %v", result.Err)
	}

	if _, ok := findSample(result.Samples, "req_duration_seconds_bucket"); !ok {
		t.Error("histogram buckets missing")
	}
	if s, ok := findSample(result.Samples, "req_duration_seconds_count"); !ok || s.Value != 8 {
		t.Errorf("histogram count wrong: %+v", s)
	}
}

func TestScrapeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tgt := testTarget(t, srv, nil)
	result := New().Scrape(context.Background(), tgt)
	if !errors.Is(result.Err, errors.ErrScrapeFailed) {
		t.Fatalf("expected ErrScrapeFailed, got %v", result.Err)
	}
	if len(result.Samples) != 0 {
		t.Errorf("failed scrape must produce no samples, got %d", len(result.Samples))
	}
}

func TestScrapeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	tgt := testTarget(t, srv, nil)
	tgt.Timeout = 50 * time.Millisecond

	result := New().Scrape(context.Background(), tgt)
	if !result.TimedOut {
		t.Error("result must be marked timed out")
	}
	if !errors.Is(result.Err, errors.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", result.Err)
	}
}
