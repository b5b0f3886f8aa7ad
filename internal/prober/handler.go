package prober

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	defaults "github.com/vigil-sh/vigil/config"
)

// Handler serves GET /probe. Each request runs one probe synchronously
// and renders the outcome as a Prometheus exposition:
//
//	probe_success            1 if the probe succeeded
//	probe_duration_seconds   observed latency (the timeout value when the
//	                         probe timed out)
//
// Query parameters: module, target, timeout (Go duration, optional),
// community (snmp only).
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		def := Def{
			Module:    q.Get("module"),
			Target:    q.Get("target"),
			Timeout:   defaults.DefaultProbeTimeout,
			Community: q.Get("community"),
		}
		if def.Module == "" || def.Target == "" {
			http.Error(w, "module and target parameters are required", http.StatusBadRequest)
			return
		}
		if raw := q.Get("timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				http.Error(w, "bad timeout parameter", http.StatusBadRequest)
				return
			}
			def.Timeout = d
		}

		result := Probe(r.Context(), def)

		// A fresh registry per request keeps concurrent probes apart.
		reg := prometheus.NewRegistry()

		success := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "probe_success",
			Help: "Whether the probe succeeded.",
		})
		duration := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "probe_duration_seconds",
			Help: "Probe latency in seconds.",
		})
		reg.MustRegister(success, duration)

		if result.Success {
			success.Set(1)
		}
		duration.Set(result.Latency.Seconds())

		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
