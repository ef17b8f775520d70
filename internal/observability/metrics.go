package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/mikrotune/model"
)

// SweepCollector bundles Prometheus metrics for a frequency sweep and
// exposes them over HTTP.
type SweepCollector struct {
	gatherer prometheus.Gatherer

	FrequenciesTotal *prometheus.CounterVec
	BandwidthTests   *prometheus.CounterVec
	StepDurations    prometheus.Histogram

	CurrentFrequency prometheus.Gauge
	SignalStrength   prometheus.Gauge
	PingRTT          prometheus.Histogram
	Throughput       *prometheus.GaugeVec
}

// NewSweepCollector registers sweep metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewSweepCollector(reg prometheus.Registerer) (*SweepCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	frequencies, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mikrotune_frequencies_total",
		Help: "Frequencies attempted, labeled by final status (pass, skip, fail, error).",
	}, []string{"status"}), "mikrotune_frequencies_total")
	if err != nil {
		return nil, err
	}

	tests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mikrotune_bandwidth_tests_total",
		Help: "Bandwidth tests invoked, labeled by result (ok, error).",
	}, []string{"result"}), "mikrotune_bandwidth_tests_total")
	if err != nil {
		return nil, err
	}

	steps, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mikrotune_frequency_step_duration_seconds",
		Help:    "Wall time spent on one frequency, from frequency change to logged record.",
		Buckets: []float64{1, 5, 10, 20, 30, 60, 90, 120, 180, 300},
	}), "mikrotune_frequency_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	current, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mikrotune_current_frequency_mhz",
		Help: "Frequency currently under test.",
	}), "mikrotune_current_frequency_mhz")
	if err != nil {
		return nil, err
	}

	signal, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mikrotune_signal_strength_dbm",
		Help: "Most recent station signal strength.",
	}), "mikrotune_signal_strength_dbm")
	if err != nil {
		return nil, err
	}

	ping, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mikrotune_ping_rtt_seconds",
		Help:    "Average ping RTT from the AP to the station, per frequency.",
		Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "mikrotune_ping_rtt_seconds")
	if err != nil {
		return nil, err
	}

	throughput, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mikrotune_bandwidth_mbps",
		Help: "Total average throughput of the most recent bandwidth test.",
	}, []string{"direction"}), "mikrotune_bandwidth_mbps")
	if err != nil {
		return nil, err
	}

	return &SweepCollector{
		gatherer:         gatherer,
		FrequenciesTotal: frequencies,
		BandwidthTests:   tests,
		StepDurations:    steps,
		CurrentFrequency: current,
		SignalStrength:   signal,
		PingRTT:          ping,
		Throughput:       throughput,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SweepCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// FrequencyStarted marks mhz as the frequency under test.
func (c *SweepCollector) FrequencyStarted(mhz int) {
	if c == nil || c.CurrentFrequency == nil {
		return
	}
	c.CurrentFrequency.Set(float64(mhz))
}

// SignalMeasured records the latest station signal.
func (c *SweepCollector) SignalMeasured(dbm int) {
	if c == nil || c.SignalStrength == nil {
		return
	}
	c.SignalStrength.Set(float64(dbm))
}

// PingMeasured records an average RTT observation.
func (c *SweepCollector) PingMeasured(rtt time.Duration) {
	if c == nil || c.PingRTT == nil {
		return
	}
	c.PingRTT.Observe(rtt.Seconds())
}

// BandwidthMeasured records the outcome of one bandwidth test.
func (c *SweepCollector) BandwidthMeasured(res *model.BandwidthResult, err error) {
	if c == nil {
		return
	}
	if err != nil || res == nil {
		if c.BandwidthTests != nil {
			c.BandwidthTests.WithLabelValues("error").Inc()
		}
		return
	}
	if c.BandwidthTests != nil {
		c.BandwidthTests.WithLabelValues("ok").Inc()
	}
	if c.Throughput != nil {
		c.Throughput.WithLabelValues("tx").Set(res.TxTotalAvgMbps)
		c.Throughput.WithLabelValues("rx").Set(res.RxTotalAvgMbps)
	}
}

// FrequencyLogged counts a finished frequency and its duration.
func (c *SweepCollector) FrequencyLogged(status model.Status, elapsed time.Duration) {
	if c == nil {
		return
	}
	if c.FrequenciesTotal != nil {
		c.FrequenciesTotal.WithLabelValues(string(status)).Inc()
	}
	if c.StepDurations != nil {
		c.StepDurations.Observe(elapsed.Seconds())
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
