package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	// Output buses
	EventsEmitted *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec
	EventsLate    *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec

	// Output thread
	TicksTotal   prometheus.Counter
	TickDuration prometheus.Histogram
	BarsTotal    prometheus.Counter

	// Engine state
	RecordErrors  prometheus.Counter
	ArmedPatterns prometheus.Gauge
	Tempo         prometheus.Gauge
}

var (
	instance *Metrics
	once     sync.Once
)

// Initialize creates and registers all collectors once per process
func Initialize() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			EventsEmitted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "perform_events_emitted_total",
					Help: "MIDI messages written to an output bus",
				},
				[]string{"bus"},
			),
			EventsDropped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "perform_events_dropped_total",
					Help: "MIDI messages dropped before reaching a bus",
				},
				[]string{"bus", "reason"},
			),
			EventsLate: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "perform_events_late_total",
					Help: "MIDI messages written more than the late threshold after their deadline",
				},
				[]string{"bus"},
			),
			QueueDepth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "perform_bus_queue_depth",
					Help: "Messages waiting in a bus queue after the last flush",
				},
				[]string{"bus"},
			),
			TicksTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "perform_ticks_total",
				Help: "Output thread ticks while playing",
			}),
			TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "perform_tick_duration_seconds",
				Help:    "Time spent in one output thread tick",
				Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
			}),
			BarsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "perform_bars_total",
				Help: "Bar boundaries crossed",
			}),
			RecordErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "perform_record_errors_total",
				Help: "Incoming events the recorder rejected",
			}),
			ArmedPatterns: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "perform_armed_patterns",
				Help: "Patterns currently armed",
			}),
			Tempo: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "perform_tempo_bpm",
				Help: "Current tempo",
			}),
		}
	})
	return instance
}

// Get returns the process metrics, creating them on first use
func Get() *Metrics {
	return Initialize()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
