// Package netprobe answers the two connectivity questions the sync engine
// asks: is there a network link, and does it actually reach the internet.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package netprobe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Config holds configuration for the probe
type Config struct {
	URL          string        // endpoint answered by the remote backend, e.g. its health check
	Timeout      time.Duration // per-attempt request timeout
	Interval     time.Duration // period of Run
	RetryMax     int           // extra attempts before a check reports unreachable
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultConfig returns a configuration checking url every 15 seconds
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		Timeout:      5 * time.Second,
		Interval:     15 * time.Second,
		RetryMax:     2,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: time.Second,
	}
}

// Probe combines a link flag fed by the platform with an HTTP reachability check.
// It starts connected and unverified (not reachable) until the first Check.
type Probe struct {
	HTTP   *retryablehttp.Client
	config *Config
	logger *slog.Logger

	connected atomic.Bool
	reachable atomic.Bool
}

// New creates a probe. A nil logger uses slog.Default.
func New(config *Config, logger *slog.Logger) (*Probe, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("config.URL must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = config.Timeout
	client.RetryMax = config.RetryMax
	client.RetryWaitMin = config.RetryWaitMin
	client.RetryWaitMax = config.RetryWaitMax
	client.Logger = logger
	// Dropped connections and 5xx are retried; the last answer decides
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	p := &Probe{
		HTTP:   client,
		config: config,
		logger: logger,
	}
	p.connected.Store(true)
	return p, nil
}

// SetConnected records a link change reported by the platform. Losing the
// link also clears reachability.
func (p *Probe) SetConnected(connected bool) {
	if p.connected.Swap(connected) != connected {
		p.logger.Info("network link changed", "connected", connected)
	}
	if !connected {
		p.reachable.Store(false)
	}
}

func (p *Probe) IsConnected() bool { return p.connected.Load() }

// IsInternetReachable returns the result of the last Check
func (p *Probe) IsInternetReachable() bool { return p.connected.Load() && p.reachable.Load() }

// Check issues a HEAD request to the configured URL. Any response below 500
// counts as reachable; the backend answered.
func (p *Probe) Check(ctx context.Context) bool {
	if !p.connected.Load() {
		p.reachable.Store(false)
		return false
	}
	ok := p.head(ctx)
	if p.reachable.Swap(ok) != ok {
		p.logger.Info("internet reachability changed", "reachable", ok, "url", p.config.URL)
	}
	return ok
}

func (p *Probe) head(ctx context.Context) bool {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, p.config.URL, nil)
	if err != nil {
		p.logger.Warn("bad probe request", "url", p.config.URL, "error", err)
		return false
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		p.logger.Debug("reachability check failed", "url", p.config.URL, "error", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run checks reachability immediately and then every Interval until ctx is done
func (p *Probe) Run(ctx context.Context) {
	interval := p.config.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
