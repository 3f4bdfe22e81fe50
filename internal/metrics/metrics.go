package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BetsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betpool_bets_created_total",
		Help: "Bet pools created.",
	})
	WagersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betpool_wagers_placed_total",
		Help: "Wagers placed, by payment method.",
	}, []string{"method"})
	ChargesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betpool_charges_created_total",
		Help: "PIX charges created at the gateway.",
	})
	PaymentsConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betpool_payments_confirmed_total",
		Help: "Wagers confirmed paid, by path (poll, webhook, manual).",
	}, []string{"path"})
	ChargesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "betpool_charges_expired_total",
		Help: "Charges that reached their TTL unpaid.",
	})
	ActiveWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "betpool_active_payment_watchers",
		Help: "Payment watchers currently polling.",
	})
)

type HealthFunc func(ctx context.Context) error

// StartServer runs a small HTTP server for /metrics and /healthz on its own
// port, in a goroutine owned by the returned server.
func StartServer(port string, healthFn HealthFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := healthFn(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("unhealthy: %v", err)))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
