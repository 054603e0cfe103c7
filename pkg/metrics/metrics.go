package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stakewatch/warden/pkg/log"
)

var (
	// Validator metrics
	ValidatorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_validator_state",
			Help: "Validator lifecycle state (1 for the current state, 0 otherwise)",
		},
		[]string{"state"},
	)

	ValidatorRestarts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_validator_restarts",
			Help: "Crash restarts since the last stable run",
		},
	)

	ValidatorUnlocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_unlocked",
			Help: "Whether the root key has been delivered (1 = unlocked)",
		},
	)

	// Tunnel metrics
	TunnelUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_tunnel_up",
			Help: "Whether the tunnel to a relay is connected (1 = connected)",
		},
		[]string{"relay"},
	)

	TunnelFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_tunnel_failures",
			Help: "Consecutive connection failures per relay",
		},
		[]string{"relay"},
	)

	// Backup metrics
	BackupVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_backup_version",
			Help: "Version counter of the local anti-slashing record",
		},
	)

	BackupPendingReplicas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_backup_pending_replicas",
			Help: "Relay targets still awaiting the latest record",
		},
	)

	// Alert metrics
	AlertsRetained = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_alerts_retained",
			Help: "Alerts in the retention window by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(ValidatorState)
	prometheus.MustRegister(ValidatorRestarts)
	prometheus.MustRegister(ValidatorUnlocked)
	prometheus.MustRegister(TunnelUp)
	prometheus.MustRegister(TunnelFailures)
	prometheus.MustRegister(BackupVersion)
	prometheus.MustRegister(BackupPendingReplicas)
	prometheus.MustRegister(AlertsRetained)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the metrics endpoint on addr until ctx is cancelled.
// The address stays on loopback by configuration; relays scrape
// through the tunnel if remote visibility is wanted.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger := log.WithComponent("metrics")
	logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
