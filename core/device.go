package core

import (
	"context"
	"time"

	"github.com/signalsfoundry/mikrotune/model"
)

// Device is the set of radio operations a sweep needs. internal/device.Client
// implements it over the RouterOS API.
type Device interface {
	SetFrequency(ctx context.Context, mhz int) error
	RegisteredStations(ctx context.Context) ([]model.Station, error)
	Ping(ctx context.Context, address string, count int, srcAddress string) (model.PingStats, error)
	BandwidthTest(ctx context.Context, params model.TestParameters) (*model.BandwidthResult, error)
}

// RecordWriter persists a finished record. A write error aborts the sweep.
type RecordWriter interface {
	Write(rec model.Record) error
}

// RecordPublisher forwards a written record to export sinks. It must not fail
// the sweep.
type RecordPublisher interface {
	Publish(ctx context.Context, rec model.Record)
}

// MetricsRecorder receives measurements as the sweep progresses.
type MetricsRecorder interface {
	FrequencyStarted(mhz int)
	SignalMeasured(dbm int)
	PingMeasured(rtt time.Duration)
	BandwidthMeasured(res *model.BandwidthResult, err error)
	FrequencyLogged(status model.Status, elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) FrequencyStarted(int)                            {}
func (noopMetrics) SignalMeasured(int)                              {}
func (noopMetrics) PingMeasured(time.Duration)                      {}
func (noopMetrics) BandwidthMeasured(*model.BandwidthResult, error) {}
func (noopMetrics) FrequencyLogged(model.Status, time.Duration)     {}
