// Package prober implements synthetic reachability checks. A probe runs
// one module (http, tcp or snmp) against a target under a hard deadline
// and reports success and observed latency. The HTTP handler in this
// package renders a probe outcome as a Prometheus exposition so the
// scheduler can scrape probes like any other target.
package prober

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/vigil-sh/vigil/internal/errors"
	"github.com/vigil-sh/vigil/internal/logging"
)

var log = logging.Component("prober")

// sysUpTimeOID is the instance probed by the snmp module. Any answer
// counts as reachable.
const sysUpTimeOID = ".1.3.6.1.2.1.1.3.0"

// Def describes one probe to execute.
type Def struct {
	Name      string
	Module    string // http, tcp or snmp
	Target    string // URL for http, host:port otherwise
	Timeout   time.Duration
	Community string // snmp only
}

// Result is the outcome of a single probe execution.
type Result struct {
	Success bool
	Latency time.Duration
	Detail  string
}

// Probe executes def under its timeout. On timeout or transport failure
// Success is false; a timed-out probe reports the configured timeout as
// its latency.
func Probe(ctx context.Context, def Def) Result {
	if def.Timeout <= 0 {
		return Result{Detail: "non-positive timeout"}
	}

	ctx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	start := time.Now()

	var err error
	switch def.Module {
	case "http":
		err = probeHTTP(ctx, def.Target)
	case "tcp":
		err = probeTCP(ctx, def.Target)
	case "snmp":
		err = probeSNMP(ctx, def.Target, def.Community, def.Timeout)
	default:
		return Result{Detail: errors.Wrapf(errors.ErrUnknownModule, "%q", def.Module).Error()}
	}

	elapsed := time.Since(start)

	if err != nil {
		r := Result{Latency: elapsed, Detail: err.Error()}
		if ctx.Err() != nil || elapsed >= def.Timeout {
			// A timed-out probe consumed its whole budget.
			r.Latency = def.Timeout
			r.Detail = errors.Wrapf(errors.ErrTimeout, "%s probe of %s", def.Module, def.Target).Error()
		}
		log.Debug("probe failed",
			"name", def.Name, "module", def.Module,
			"target", def.Target, "detail", r.Detail)
		return r
	}

	return Result{Success: true, Latency: elapsed}
}

// probeHTTP issues a GET and treats any completed response as reachable,
// matching what an operator checking "is it up" expects from a blackbox
// check.
func probeHTTP(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func probeTCP(ctx context.Context, target string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	return conn.Close()
}

// probeSNMP sends a v2c GET for sysUpTime. gosnmp manages its own
// timeout; the context deadline is checked around the exchange.
func probeSNMP(ctx context.Context, target, community string, timeout time.Duration) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		host = target
		portStr = "161"
	}
	var port uint16 = 161
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("bad port %q", portStr)
	}

	snmp := &gosnmp.GoSNMP{
		Target:    host,
		Port:      port,
		Version:   gosnmp.Version2c,
		Community: community,
		Timeout:   timeout,
		Retries:   0,
	}

	if err := snmp.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer snmp.Conn.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	pdu, err := snmp.Get([]string{sysUpTimeOID})
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if len(pdu.Variables) == 0 {
		return fmt.Errorf("empty response")
	}
	v := pdu.Variables[0]
	if v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.NoSuchInstance {
		return fmt.Errorf("sysUpTime not available")
	}
	return nil
}
