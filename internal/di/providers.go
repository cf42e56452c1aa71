package di

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/clients/eastmoney"
	"github.com/cnquant/marketd/internal/clients/proapi"
	"github.com/cnquant/marketd/internal/clients/sina"
	"github.com/cnquant/marketd/internal/clients/tencent"
	"github.com/cnquant/marketd/internal/config"
	"github.com/cnquant/marketd/internal/events"
	"github.com/cnquant/marketd/internal/modules/settings"
	"github.com/cnquant/marketd/internal/providers"
)

// BuildProviders constructs every known vendor adapter. A provider whose
// construction fails (pro_api without a token) is disabled in the registry
// for the life of the process instead of aborting boot.
func BuildProviders(container *Container, cfg *config.Config, log zerolog.Logger) []providers.Provider {
	cacheDir := filepath.Join(cfg.DataDir, "cache")
	spotTTL := time.Duration(cfg.SpotCacheTTLSeconds) * time.Second
	limiter := providers.NewRateLimiter(cfg.RateLimitRPS, 1)

	// Spot-table vendors answer quotes for codes we track; the bar store
	// is the source of that list.
	codes := func(ctx context.Context) ([]string, error) {
		return container.Store.ListCodes()
	}

	constructed := []providers.Provider{
		eastmoney.NewClient(cacheDir, spotTTL, limiter, log),
		tencent.NewClient(cacheDir, spotTTL, codes, limiter, log),
		sina.NewClient(cacheDir, spotTTL, codes, limiter, log),
	}

	if pro, err := proapi.NewClient(cfg.ProAPIToken, limiter, log); err != nil {
		log.Warn().Err(err).Msg("pro_api construction failed, provider not routable")
		container.Registry.SetDisabled(providers.NameProAPI, time.Time{}, "init_failed:"+err.Error())
	} else {
		constructed = append(constructed, pro)
	}

	return constructed
}

// routerConfig translates the settings snapshot into one router's config.
func routerConfig(snap settings.Snapshot, order []string, failover bool, gates *providers.GatePool) providers.RouterConfig {
	return providers.RouterConfig{
		Order:    order,
		Failover: failover,
		Circuit:  time.Duration(snap.CircuitBreakerSeconds) * time.Second,
		Retry:    retryPolicy(snap),
		Gates:    gates,
	}
}

func retryPolicy(snap settings.Snapshot) providers.RetryPolicy {
	return providers.RetryPolicy{
		Max:     snap.RetryMax,
		Backoff: time.Duration(snap.RetryBackoffSeconds * float64(time.Second)),
	}
}

// registerRouterReconfiguration keeps both routers aligned with runtime
// settings changes.
func registerRouterReconfiguration(container *Container) {
	container.Bus.Subscribe(events.SettingsChanged, func(e *events.Event) {
		key, _ := e.Data["key"].(string)
		switch key {
		case settings.KeyProviders,
			settings.KeyRealtimeProviders,
			settings.KeyProviderFailoverEnabled,
			settings.KeyRealtimeProviderFailoverEnabled,
			settings.KeyCircuitBreakerSeconds,
			settings.KeyRetryMax,
			settings.KeyRetryBackoffSeconds:
		default:
			return
		}

		snap := container.SettingsService.Get()
		circuit := time.Duration(snap.CircuitBreakerSeconds) * time.Second
		retry := retryPolicy(snap)
		container.HistoryRouter.Reconfigure(snap.Providers, snap.ProviderFailoverEnabled, circuit, retry)
		container.RealtimeRouter.Reconfigure(snap.RealtimeProviders, snap.RealtimeProviderFailoverEnabled, circuit, retry)
	})
}
