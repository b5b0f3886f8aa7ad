// Package scraper performs one scrape round trip: fetch a target's
// exposition over HTTP, parse it, and flatten it into storage samples
// with the target's labels merged in.
package scraper

import (
	"context"
	"fmt"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/logging"
	"github.com/vigil-sh/vigil/internal/registry"
	"github.com/vigil-sh/vigil/internal/storage/types"
)

var log = logging.Component("scraper")

// Scraper fetches and parses target expositions. One Scraper is shared by
// all workers; the underlying transport pools connections per target.
type Scraper struct {
	client *http.Client
}

// Result is the outcome of one scrape.
type Result struct {
	Target   *registry.Target
	Start    time.Time
	Duration time.Duration

	// Samples holds the flattened exposition plus the up sample. Empty
	// when Err is set.
	Samples []types.Sample

	Err      error
	TimedOut bool
}

// New creates a scraper.
func New() *Scraper {
	return &Scraper{
		// Per-scrape deadlines come from the target timeout via context;
		// the client carries no global timeout.
		client: &http.Client{},
	}
}

// Scrape fetches the target's exposition under the target's timeout.
// Every sample carries the scrape start as its timestamp, so one cycle
// produces exactly one point per series. On success the synthetic
// up=1 sample is appended; failures report Err and produce no samples
// (the collect loop writes up=0).
func (s *Scraper) Scrape(ctx context.Context, t *registry.Target) Result {
	start := time.Now()
	result := Result{Target: t, Start: start}

	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	mfs, err := s.fetch(ctx, t.URL())
	result.Duration = time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.Err = errors.Wrapf(errors.ErrTimeout, "scrape %s", t.Name)
		} else {
			result.Err = errors.Wrapf(errors.ErrScrapeFailed, "%s: %v", t.Name, err)
		}
		return result
	}

	result.Samples = flatten(t, mfs, start.UnixMilli())
	result.Samples = append(result.Samples, types.Sample{
		Metric:      "up",
		Labels:      t.Labels.Clone(),
		TimestampMs: start.UnixMilli(),
		Value:       1,
	})
	return result
}

func (s *Scraper) fetch(ctx context.Context, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse exposition: %w", err)
	}
	// A non-empty result with an error is a partial parse (trailing
	// garbage); keep what parsed.
	return mfs, nil
}

// flatten turns metric families into samples. Histograms and summaries
// expand into their _bucket/quantile, _sum and _count series. When the
// body declares the same series twice the later declaration wins and the
// conflict is logged.
func flatten(t *registry.Target, mfs map[string]*dto.MetricFamily, tsMs int64) []types.Sample {
	byKey := make(map[string]int)
	var samples []types.Sample

	put := func(metric string, labels types.Labels, value float64) {
		smp := types.Sample{Metric: metric, Labels: labels, TimestampMs: tsMs, Value: value}
		key := smp.SeriesKey()
		if i, ok := byKey[key]; ok {
			log.Warn("duplicate series in scrape body, later value wins",
				"target", t.Name, "series", key)
			samples[i] = smp
			return
		}
		byKey[key] = len(samples)
		samples = append(samples, smp)
	}

	for name, mf := range mfs {
		for _, m := range mf.GetMetric() {
			labels := t.Labels.Merge(labelPairs(m.GetLabel()))

			switch {
			case m.Counter != nil:
				put(name, labels, m.Counter.GetValue())
			case m.Gauge != nil:
				put(name, labels, m.Gauge.GetValue())
			case m.Untyped != nil:
				put(name, labels, m.Untyped.GetValue())
			case m.Histogram != nil:
				h := m.Histogram
				for _, b := range h.GetBucket() {
					bl := labels.Clone()
					bl["le"] = formatFloat(b.GetUpperBound())
					put(name+"_bucket", bl, float64(b.GetCumulativeCount()))
				}
				put(name+"_sum", labels, h.GetSampleSum())
				put(name+"_count", labels, float64(h.GetSampleCount()))
			case m.Summary != nil:
				sm := m.Summary
				for _, q := range sm.GetQuantile() {
					ql := labels.Clone()
					ql["quantile"] = formatFloat(q.GetQuantile())
					put(name, ql, q.GetValue())
				}
				put(name+"_sum", labels, sm.GetSampleSum())
				put(name+"_count", labels, float64(sm.GetSampleCount()))
			}
		}
	}
	return samples
}

// labelPairs converts exposition label pairs into a label set.
func labelPairs(pairs []*dto.LabelPair) types.Labels {
	if len(pairs) == 0 {
		return nil
	}
	labels := make(types.Labels, len(pairs))
	for _, p := range pairs {
		labels[p.GetName()] = p.GetValue()
	}
	return labels
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
