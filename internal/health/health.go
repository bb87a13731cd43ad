// Package health builds the composite liveness report.
package health

import (
	"context"
	"time"

	"github.com/dkeye/quasipeer/internal/app/metrics"
	"github.com/dkeye/quasipeer/internal/core"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

type CheckResult struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type Services struct {
	Store       CheckResult `json:"store"`
	MediaEngine CheckResult `json:"mediaEngine"`
	Signaling   CheckResult `json:"signaling"`
}

type Status struct {
	Status    string                `json:"status"`
	Timestamp time.Time             `json:"timestamp"`
	Services  Services              `json:"services"`
	Metrics   metrics.ServerMetrics `json:"metrics"`
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Liveness interface {
	Alive() bool
}

type Acceptor interface {
	Accepting() bool
}

type Snapshotter interface {
	Snapshot() metrics.ServerMetrics
}

// Checker never fails: a broken dependency turns the report degraded.
type Checker struct {
	Store     Pinger
	Media     Liveness
	Signaling Acceptor
	Metrics   Snapshotter
	Timeout   time.Duration
}

var _ Pinger = (core.Store)(nil)

func (c *Checker) Check(ctx context.Context) Status {
	s := Status{Status: StatusOK, Timestamp: time.Now().UTC()}
	s.Services.Store = c.checkStore(ctx)
	s.Services.MediaEngine = flag(c.Media != nil && c.Media.Alive(), "media engine worker is not running")
	s.Services.Signaling = flag(c.Signaling != nil && c.Signaling.Accepting(), "signaling is not accepting connections")
	if c.Metrics != nil {
		s.Metrics = c.Metrics.Snapshot()
	}
	if !s.Services.Store.OK || !s.Services.MediaEngine.OK || !s.Services.Signaling.OK {
		s.Status = StatusDegraded
	}
	return s
}

func (c *Checker) checkStore(ctx context.Context) CheckResult {
	if c.Store == nil {
		return CheckResult{Error: "store not configured"}
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	err := c.Store.Ping(ctx)
	res := CheckResult{OK: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func flag(ok bool, msg string) CheckResult {
	if ok {
		return CheckResult{OK: true}
	}
	return CheckResult{Error: msg}
}
