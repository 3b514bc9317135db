package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maltedev/gpu-drop-agent/internal/models"
)

// Metrics groups the collectors of the agent. All methods are safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	// PollTicks counts poll ticks per loop ("listing", "inventory") and result.
	PollTicks *prometheus.CounterVec

	// APIDuration tracks upstream call latency per endpoint.
	APIDuration *prometheus.HistogramVec

	// StockStatus is 1 while a model is classified in stock.
	StockStatus *prometheus.GaugeVec

	// SkuRotations counts SKU code changes picked up from the listing feed.
	SkuRotations *prometheus.CounterVec

	// CartAttempts counts add-to-cart outcomes per mode and result.
	CartAttempts *prometheus.CounterVec

	// ChallengeResponses counts challenge routine runs per result.
	ChallengeResponses *prometheus.CounterVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PollTicks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpuagent_poll_ticks_total",
				Help: "Total number of poll ticks per loop and result",
			},
			[]string{"loop", "result"},
		),
		APIDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gpuagent_api_duration_seconds",
				Help:    "Duration of upstream API calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		StockStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gpuagent_stock_status",
				Help: "1 if the model was classified in stock on the last tick",
			},
			[]string{"gpu", "sku"},
		),
		SkuRotations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpuagent_sku_rotations_total",
				Help: "Total number of SKU code changes applied to the cache",
			},
			[]string{"gpu"},
		),
		CartAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpuagent_cart_attempts_total",
				Help: "Total number of add-to-cart attempts per mode and result",
			},
			[]string{"mode", "result"},
		),
		ChallengeResponses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpuagent_challenge_responses_total",
				Help: "Total number of challenge-response routine runs per result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) ObserveTick(loop string, err error) {
	if m == nil {
		return
	}
	m.PollTicks.WithLabelValues(loop, resultLabel(err == nil)).Inc()
}

func (m *Metrics) ObserveAPI(endpoint string, started time.Time) {
	if m == nil {
		return
	}
	m.APIDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetStock(gpu models.GpuModel, sku string, inStock bool) {
	if m == nil {
		return
	}
	v := 0.0
	if inStock {
		v = 1
	}
	m.StockStatus.WithLabelValues(string(gpu), sku).Set(v)
}

func (m *Metrics) ObserveRotation(gpu models.GpuModel) {
	if m == nil {
		return
	}
	m.SkuRotations.WithLabelValues(string(gpu)).Inc()
}

func (m *Metrics) ObserveCart(mode string, success bool) {
	if m == nil {
		return
	}
	m.CartAttempts.WithLabelValues(mode, resultLabel(success)).Inc()
}

func (m *Metrics) ObserveChallenge(passed bool) {
	if m == nil {
		return
	}
	m.ChallengeResponses.WithLabelValues(resultLabel(passed)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
