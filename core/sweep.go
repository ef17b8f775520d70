package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/mikrotune/internal/config"
	"github.com/signalsfoundry/mikrotune/internal/logging"
	"github.com/signalsfoundry/mikrotune/internal/observability"
	"github.com/signalsfoundry/mikrotune/model"
	"github.com/signalsfoundry/mikrotune/timectrl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrNoStation is recorded when no station registers within the retry budget.
var ErrNoStation = errors.New("no station registered")

// bandwidthSetupTime is added to the operator's duration: the device spends
// the first second of a test connecting.
const bandwidthSetupTime = time.Second

// Summary counts the outcomes of a sweep.
type Summary struct {
	Attempted int
	Passed    int
	Skipped   int
	Failed    int
	Errored   int

	// Best is the passing record with the highest combined throughput.
	Best *model.Record
}

func (s *Summary) add(rec model.Record) {
	s.Attempted++
	switch rec.Status {
	case model.StatusPass:
		s.Passed++
		if s.Best == nil || throughput(rec) > throughput(*s.Best) {
			best := rec
			s.Best = &best
		}
	case model.StatusSkip:
		s.Skipped++
	case model.StatusFail:
		s.Failed++
	case model.StatusError:
		s.Errored++
	}
}

func throughput(rec model.Record) float64 {
	if rec.Bandwidth == nil {
		return 0
	}
	return rec.Bandwidth.TxTotalAvgMbps + rec.Bandwidth.RxTotalAvgMbps
}

// Sweeper drives a device through a frequency plan, one frequency at a time.
type Sweeper struct {
	dev       Device
	cfg       config.Config
	params    model.TestParameters
	apAddress string

	out       RecordWriter
	publisher RecordPublisher
	clock     timectrl.Clock
	metrics   MetricsRecorder
	log       logging.Logger
}

// SweeperOption customises a Sweeper.
type SweeperOption func(*Sweeper)

// WithClock overrides the wall clock used for every wait.
func WithClock(c timectrl.Clock) SweeperOption {
	return func(s *Sweeper) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) SweeperOption {
	return func(s *Sweeper) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithPublisher forwards each written record to export sinks.
func WithPublisher(p RecordPublisher) SweeperOption {
	return func(s *Sweeper) {
		s.publisher = p
	}
}

// WithAPAddress sets the AP address stored on records and, when the config
// asks for it, used as the ping source address.
func WithAPAddress(addr string) SweeperOption {
	return func(s *Sweeper) {
		s.apAddress = addr
	}
}

// NewSweeper wires a sweep over dev writing records to out.
func NewSweeper(dev Device, cfg config.Config, params model.TestParameters, out RecordWriter, log logging.Logger, opts ...SweeperOption) *Sweeper {
	if log == nil {
		log = logging.Noop()
	}
	s := &Sweeper{
		dev:     dev,
		cfg:     cfg,
		params:  params,
		out:     out,
		clock:   timectrl.New(timectrl.RealTime, time.Time{}),
		metrics: noopMetrics{},
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run tests every frequency of plan in order. Per-frequency failures are
// recorded and never stop the sweep; Run returns an error only when ctx is
// cancelled or a record cannot be written.
func (s *Sweeper) Run(ctx context.Context, plan model.FrequencyPlan) (Summary, error) {
	var summary Summary
	log := s.log
	if l := logging.LoggerFromContext(ctx); l != nil {
		log = l
	}

	log.Info(ctx, "starting frequency sweep",
		logging.String("plan", plan.String()),
		logging.Int("registration_checks", s.cfg.RegistrationChecks),
		logging.Int("min_signal_dbm", s.cfg.MinSignalDBm),
		logging.Float64("max_ping_ms", s.cfg.MaxPingMs),
	)

	for i, mhz := range plan.Frequencies {
		flog := log.With(logging.Int("frequency_mhz", mhz), logging.Int("step", i+1), logging.Int("of", plan.Len()))

		start := s.clock.Now()
		rec, err := s.testFrequency(ctx, mhz, flog)
		if err != nil {
			return summary, err
		}

		if err := s.out.Write(rec); err != nil {
			return summary, fmt.Errorf("record %d MHz: %w", mhz, err)
		}
		s.metrics.FrequencyLogged(rec.Status, s.clock.Now().Sub(start))
		if s.publisher != nil {
			s.publisher.Publish(ctx, rec)
		}
		summary.add(rec)

		flog.Info(ctx, "frequency logged",
			logging.String("status", string(rec.Status)),
			logging.String("stage", rec.Stage.String()),
			logging.String("reason", rec.Reason),
		)
		flog.Debug(ctx, "stage transition", logging.String("stage", model.StageLogged.String()))

		if rec.Stage == model.StageBandwidthTest {
			if err := timectrl.Sleep(ctx, s.clock, s.cfg.Cooldown); err != nil {
				return summary, err
			}
		}
	}

	fields := []logging.Field{
		logging.Int("attempted", summary.Attempted),
		logging.Int("passed", summary.Passed),
		logging.Int("skipped", summary.Skipped),
		logging.Int("failed", summary.Failed),
		logging.Int("errored", summary.Errored),
	}
	if summary.Best != nil {
		fields = append(fields,
			logging.Int("best_frequency_mhz", summary.Best.FrequencyMHz),
			logging.Float64("best_throughput_mbps", throughput(*summary.Best)),
		)
	}
	log.Info(ctx, "frequency sweep complete", fields...)
	return summary, nil
}

// testFrequency walks one frequency through the stage machine. The returned
// error is non-nil only on cancellation; every device failure ends up in the
// record instead.
func (s *Sweeper) testFrequency(ctx context.Context, mhz int, log logging.Logger) (model.Record, error) {
	ctx, span := observability.StartSpan(ctx, "sweep.frequency", attribute.Int("frequency_mhz", mhz))
	defer span.End()

	s.metrics.FrequencyStarted(mhz)
	rec := model.Record{
		Time:           s.clock.Now(),
		FrequencyMHz:   mhz,
		APAddress:      s.apAddress,
		StationAddress: s.params.StationAddress,
		Protocol:       s.params.Protocol,
		Direction:      s.params.Direction,
		LocalTxMbps:    s.params.LocalTxMbps,
		RemoteTxMbps:   s.params.RemoteTxMbps,
	}
	finish := func(status model.Status, reason string) (model.Record, error) {
		rec.Status = status
		rec.Reason = reason
		rec.StageName = rec.Stage.String()
		span.SetAttributes(attribute.String("status", string(status)), attribute.String("stage", rec.StageName))
		if status != model.StatusPass {
			span.SetStatus(codes.Error, reason)
		}
		return rec, nil
	}
	enter := func(stage model.Stage) {
		rec.Stage = stage
		log.Debug(ctx, "stage transition", logging.String("stage", stage.String()))
	}

	enter(model.StageFrequencySet)
	if err := s.setFrequency(ctx, mhz); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rec, ctxErr
		}
		log.Warn(ctx, "frequency change failed", logging.Err(err))
		return finish(model.StatusFail, fmt.Sprintf("frequency change failed: %v", err))
	}

	enter(model.StageAwaitingRegistration)
	station, checks, err := s.awaitRegistration(ctx, log)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return rec, ctxErr
	}
	if station == nil {
		reason := fmt.Sprintf("%v after %d checks", ErrNoStation, checks)
		if err != nil {
			reason += fmt.Sprintf(" (last error: %v)", err)
		}
		log.Info(ctx, "no station registered; skipping frequency", logging.Int("checks", checks))
		return finish(model.StatusSkip, reason)
	}
	rec.Registered = true
	log.Info(ctx, "station registered",
		logging.String("mac_address", station.MACAddress),
		logging.Int("checks", checks),
		logging.Duration("settle", s.cfg.SettleTime),
	)

	enter(model.StageQualityCheck)
	if err := timectrl.Sleep(ctx, s.clock, s.cfg.SettleTime); err != nil {
		return rec, err
	}
	report, err := s.measureQuality(ctx)
	if err != nil {
		return rec, err
	}
	rec.SignalDBm = report.SignalDBm
	rec.PingMs = report.PingMs

	ok, reason := report.Evaluate(Thresholds{MinSignalDBm: s.cfg.MinSignalDBm, MaxPingMs: s.cfg.MaxPingMs})
	if !ok {
		log.Info(ctx, "quality thresholds not met", logging.String("reason", reason))
		return finish(model.StatusFail, reason)
	}

	enter(model.StageBandwidthTest)
	res, err := s.runBandwidthTest(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return rec, ctxErr
	}
	rec.Bandwidth = res
	if err != nil {
		log.Warn(ctx, "bandwidth test failed", logging.Err(err))
		return finish(model.StatusError, fmt.Sprintf("bandwidth test: %v", err))
	}

	log.Info(ctx, "bandwidth test complete",
		logging.Float64("tx_total_avg_mbps", res.TxTotalAvgMbps),
		logging.Float64("rx_total_avg_mbps", res.RxTotalAvgMbps),
	)
	return finish(model.StatusPass, "")
}

func (s *Sweeper) setFrequency(ctx context.Context, mhz int) error {
	ctx, span := observability.StartSpan(ctx, "sweep.set_frequency")
	defer span.End()

	err := s.dev.SetFrequency(ctx, mhz)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// awaitRegistration waits CheckInterval before each registration-table query
// and stops at the first non-empty table or after RegistrationChecks queries.
// It returns the station (nil if none), the number of checks made, and the
// last query error seen.
func (s *Sweeper) awaitRegistration(ctx context.Context, log logging.Logger) (*model.Station, int, error) {
	ctx, span := observability.StartSpan(ctx, "sweep.await_registration")
	defer span.End()

	var lastErr error
	checks := 0
	for checks < s.cfg.RegistrationChecks {
		if err := timectrl.Sleep(ctx, s.clock, s.cfg.CheckInterval); err != nil {
			return nil, checks, err
		}
		checks++

		stations, err := s.dev.RegisteredStations(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, checks, ctx.Err()
			}
			lastErr = err
			log.Warn(ctx, "registration table query failed", logging.Int("check", checks), logging.Err(err))
			continue
		}
		if len(stations) > 0 {
			span.SetAttributes(attribute.Int("checks", checks))
			return &stations[0], checks, nil
		}
	}
	span.SetAttributes(attribute.Int("checks", checks))
	return nil, checks, lastErr
}

// measureQuality reads the station signal and pings it. Device errors are
// folded into the report; only cancellation is returned.
func (s *Sweeper) measureQuality(ctx context.Context) (QualityReport, error) {
	ctx, span := observability.StartSpan(ctx, "sweep.quality_check")
	defer span.End()

	var report QualityReport

	stations, err := s.dev.RegisteredStations(ctx)
	switch {
	case ctx.Err() != nil:
		return report, ctx.Err()
	case err != nil:
		report.SignalErr = err
	case len(stations) == 0:
		report.SignalErr = errors.New("station deregistered before quality check")
	default:
		dbm := stations[0].SignalDBm
		report.SignalDBm = &dbm
		s.metrics.SignalMeasured(dbm)
		span.SetAttributes(attribute.Int("signal_dbm", dbm))
	}

	src := ""
	if s.cfg.PingFromAP {
		src = s.apAddress
	}
	stats, err := s.dev.Ping(ctx, s.params.StationAddress, s.cfg.PingCount, src)
	switch {
	case ctx.Err() != nil:
		return report, ctx.Err()
	case err != nil:
		report.PingErr = err
	default:
		ms := stats.AvgMs()
		report.PingMs = &ms
		s.metrics.PingMeasured(stats.AvgRTT)
		span.SetAttributes(attribute.Float64("ping_ms", ms))
	}

	return report, nil
}

// runBandwidthTest invokes the device test with the operator's parameters.
func (s *Sweeper) runBandwidthTest(ctx context.Context) (*model.BandwidthResult, error) {
	ctx, span := observability.StartSpan(ctx, "sweep.bandwidth_test",
		attribute.String("protocol", string(s.params.Protocol)),
		attribute.String("direction", string(s.params.Direction)),
	)
	defer span.End()

	params := s.params
	params.Duration += bandwidthSetupTime

	res, err := s.dev.BandwidthTest(ctx, params)
	s.metrics.BandwidthMeasured(res, err)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	if res == nil {
		return nil, errors.New("device returned no result")
	}
	return res, nil
}
