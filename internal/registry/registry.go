// Package registry maintains the validated set of scrape targets. Each
// successful load produces an immutable, generation-tagged TargetSet that
// is swapped in atomically; a failed load leaves the previous set and
// generation untouched.
package registry

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	defaults "github.com/vigil-sh/vigil/config"
	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/loader"
	"github.com/vigil-sh/vigil/internal/logging"
	"github.com/vigil-sh/vigil/internal/storage/types"
)

var log = logging.Component("registry")

// Target is one scrape endpoint. Targets are immutable once scheduled; a
// reload replaces them wholesale.
type Target struct {
	Name     string
	Address  string
	Scheme   string
	Path     string
	Interval time.Duration
	Timeout  time.Duration

	// Labels are attached to every sample of this target and win over
	// labels carried in the scraped body.
	Labels types.Labels

	// Probe marks a virtual target that scrapes the local prober handler.
	Probe bool

	// Module is the probe module of a virtual target.
	Module string

	// RawQuery carries the prober handler parameters of a virtual target.
	RawQuery string
}

// URL returns the scrape URL.
func (t *Target) URL() string {
	u := url.URL{
		Scheme:   t.Scheme,
		Host:     t.Address,
		Path:     t.Path,
		RawQuery: t.RawQuery,
	}
	return u.String()
}

// TargetSet is an immutable snapshot of the configured targets.
type TargetSet struct {
	Targets []*Target

	byName map[string]*Target
}

// Lookup returns the target with the given name.
func (ts *TargetSet) Lookup(name string) (*Target, bool) {
	t, ok := ts.byName[name]
	return t, ok
}

// Len returns the number of targets in the set.
func (ts *TargetSet) Len() int {
	return len(ts.Targets)
}

// ReconcileFunc is called with the new set after a successful load.
type ReconcileFunc func(set *TargetSet, generation uint64)

// Registry holds the current target set and its generation.
type Registry struct {
	mu         sync.RWMutex
	current    *TargetSet
	generation uint64
	reconcile  ReconcileFunc

	// proberAddress is the listen address the prober handler is served
	// on; probe definitions become virtual targets pointing at it.
	proberAddress string
}

// New creates an empty registry. proberAddress is the local address
// serving the /probe handler.
func New(proberAddress string) *Registry {
	return &Registry{
		current:       &TargetSet{byName: map[string]*Target{}},
		proberAddress: proberAddress,
	}
}

// SetReconcileFunc registers the callback invoked after each successful
// load. Must be called before Load.
func (r *Registry) SetReconcileFunc(f ReconcileFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcile = f
}

// Current returns the active target set and its generation.
func (r *Registry) Current() (*TargetSet, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.generation
}

// Load validates cfg and, on success, installs the resulting target set
// atomically and bumps the generation. On failure the previous set stays
// active. Safe for concurrent use; loads are serialized.
func (r *Registry) Load(cfg *loader.Config) (*TargetSet, error) {
	set, err := r.build(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.current = set
	r.generation++
	gen := r.generation
	reconcile := r.reconcile
	r.mu.Unlock()

	log.Info("target set installed",
		"generation", gen, "targets", len(set.Targets))

	if reconcile != nil {
		reconcile(set, gen)
	}
	return set, nil
}

func (r *Registry) build(cfg *loader.Config) (*TargetSet, error) {
	errs := errors.NewValidationErrors()

	set := &TargetSet{byName: make(map[string]*Target)}
	seenAddress := make(map[string]string)

	add := func(t *Target, kind string) {
		if prev, ok := set.byName[t.Name]; ok {
			errs.Add(errors.Wrapf(errors.ErrDuplicateTarget,
				"%s %q: name already used by %q", kind, t.Name, prev.Name))
			return
		}
		if t.Interval <= 0 {
			errs.Add(errors.Wrapf(errors.ErrInvalidInterval,
				"%s %q: interval must be positive", kind, t.Name))
			return
		}
		if t.Interval < defaults.MinScrapeInterval {
			errs.Add(errors.Wrapf(errors.ErrInvalidInterval,
				"%s %q: interval %v below minimum %v",
				kind, t.Name, t.Interval, defaults.MinScrapeInterval))
			return
		}
		if t.Timeout <= 0 {
			errs.Add(errors.Wrapf(errors.ErrInvalidTimeout,
				"%s %q: timeout must be positive", kind, t.Name))
			return
		}
		set.Targets = append(set.Targets, t)
		set.byName[t.Name] = t
	}

	for _, tc := range cfg.Targets {
		if prevName, ok := seenAddress[tc.Address]; ok {
			errs.Add(errors.Wrapf(errors.ErrDuplicateTarget,
				"target %q: address %s already scraped by %q", tc.Name, tc.Address, prevName))
			continue
		}
		seenAddress[tc.Address] = tc.Name

		labels := types.Labels{"instance": tc.Address, "job": tc.Name}
		for k, v := range tc.Labels {
			labels[k] = v
		}
		add(&Target{
			Name:     tc.Name,
			Address:  tc.Address,
			Scheme:   tc.Scheme,
			Path:     tc.Path,
			Interval: tc.Interval.Duration(),
			Timeout:  tc.Timeout.Duration(),
			Labels:   labels,
		}, "target")
	}

	for _, pc := range cfg.Probes {
		labels := types.Labels{"instance": pc.Target, "job": pc.Name, "module": pc.Module}
		for k, v := range pc.Labels {
			labels[k] = v
		}

		q := url.Values{}
		q.Set("module", pc.Module)
		q.Set("target", pc.Target)
		q.Set("timeout", pc.Timeout.Duration().String())
		if pc.Module == "snmp" {
			q.Set("community", pc.Community)
		}

		// A probe scrapes the local prober handler; the scrape timeout
		// leaves headroom over the probe deadline so the handler can
		// report the timeout itself.
		add(&Target{
			Name:     pc.Name,
			Address:  r.proberAddress,
			Scheme:   "http",
			Path:     "/probe",
			Interval: pc.Interval.Duration(),
			Timeout:  pc.Timeout.Duration() + time.Second,
			Labels:   labels,
			Probe:    true,
			Module:   pc.Module,
			RawQuery: q.Encode(),
		}, "probe")
	}

	if errs.HasErrors() {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, errs.Err())
	}
	return set, nil
}
