package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/trow-registry/trow/health"
	"github.com/trow-registry/trow/health/checks"
)

// defaultCheckInterval is used for any configured checker that does not set
// its own interval.
const defaultCheckInterval = 10 * time.Second

// upstreamCheckInterval and upstreamCheckTimeout govern the reachability
// probes RegisterHealthChecks installs for each configured proxy upstream;
// unlike the user-configured checkers these aren't tunable from the
// configuration file, since they exist purely to surface upstream outages on
// /readyz rather than to implement an operator-authored check.
const (
	upstreamCheckInterval = 30 * time.Second
	upstreamCheckTimeout  = 5 * time.Second
)

// RegisterHealthChecks wires the checkers configured under the health
// configuration section, the storage driver write check, and, when the
// registry is running as a pull-through cache, one TCP reachability probe
// per configured proxy upstream. Call once per process: the checks default
// to health.DefaultRegistry and health.ReadinessRegistry, both global state.
func (app *App) RegisterHealthChecks(healthRegistries ...*health.Registry) {
	if len(healthRegistries) > 1 {
		panic("RegisterHealthChecks called with more than one registry")
	}
	healthRegistry := health.DefaultRegistry
	if len(healthRegistries) == 1 {
		healthRegistry = healthRegistries[0]
	}

	ctx := app.Context

	for _, fc := range app.Config.Health.FileCheckers {
		interval := fc.Interval
		if interval == 0 {
			interval = defaultCheckInterval
		}
		updater := health.NewThresholdStatusUpdater(fc.Threshold)
		go health.Poll(ctx, updater, checks.FileChecker(fc.File), interval)
		healthRegistry.Register(fc.File, updater)
	}

	for _, hc := range app.Config.Health.HTTPCheckers {
		interval := hc.Interval
		if interval == 0 {
			interval = defaultCheckInterval
		}
		statusCode := hc.StatusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		updater := health.NewThresholdStatusUpdater(hc.Threshold)
		go health.Poll(ctx, updater, checks.HTTPChecker(hc.URI, statusCode, hc.Timeout, hc.Headers), interval)
		healthRegistry.Register(hc.URI, updater)
	}

	for _, tc := range app.Config.Health.TCPCheckers {
		interval := tc.Interval
		if interval == 0 {
			interval = defaultCheckInterval
		}
		updater := health.NewThresholdStatusUpdater(tc.Threshold)
		go health.Poll(ctx, updater, checks.TCPChecker(tc.Addr, tc.Timeout), interval)
		healthRegistry.Register(tc.Addr, updater)
	}

	if app.Config.Health.StorageDriver.Enabled {
		interval := app.Config.Health.StorageDriver.Interval
		if interval == 0 {
			interval = defaultCheckInterval
		}
		checker := health.CheckFunc(func(ctx context.Context) error {
			return app.driver.PutContent(ctx, "_health_check", []byte("ok"))
		})
		updater := health.NewThresholdStatusUpdater(app.Config.Health.StorageDriver.Threshold)
		go health.Poll(ctx, updater, checker, interval)
		name := fmt.Sprintf("storagedriver_%s", app.Config.Storage.Type())
		healthRegistry.Register(name, updater)
		health.ReadinessRegistry.Register(name, updater)
	}

	if app.isCache {
		for _, p := range app.Config.Proxy.Proxies {
			addr := p.Host
			if addr == "" {
				continue
			}
			if !hasPort(addr) {
				addr += ":443"
			}
			updater := health.NewThresholdStatusUpdater(3)
			go health.Poll(ctx, updater, checks.TCPChecker(addr, upstreamCheckTimeout), upstreamCheckInterval)
			health.ReadinessRegistry.Register(fmt.Sprintf("proxy_upstream_%s", p.Alias), updater)
		}
	}
}

func hasPort(host string) bool {
	for i := len(host) - 1; i >= 0 && host[i] != ']'; i-- {
		if host[i] == ':' {
			return true
		}
	}
	return false
}
