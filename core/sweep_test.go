package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/mikrotune/internal/config"
	"github.com/signalsfoundry/mikrotune/model"
	"github.com/signalsfoundry/mikrotune/timectrl"
)

// fakeDevice answers per frequency. registerAfter maps a frequency to the
// registration check on which a station appears; absent or zero means never.
type fakeDevice struct {
	current       int
	registerAfter map[int]int
	signal        map[int]int
	pingMs        map[int]float64
	setErr        map[int]error
	regErr        map[int]error
	bwErr         map[int]error

	setCalls  []int
	checks    map[int]int
	pingCalls []string
	bwCalls   []model.TestParameters

	onSet func(mhz int)
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		registerAfter: map[int]int{},
		signal:        map[int]int{},
		pingMs:        map[int]float64{},
		setErr:        map[int]error{},
		regErr:        map[int]error{},
		bwErr:         map[int]error{},
		checks:        map[int]int{},
	}
}

func (d *fakeDevice) SetFrequency(_ context.Context, mhz int) error {
	d.setCalls = append(d.setCalls, mhz)
	if d.onSet != nil {
		d.onSet(mhz)
	}
	if err := d.setErr[mhz]; err != nil {
		return err
	}
	d.current = mhz
	return nil
}

func (d *fakeDevice) RegisteredStations(context.Context) ([]model.Station, error) {
	d.checks[d.current]++
	if err := d.regErr[d.current]; err != nil {
		return nil, err
	}
	after := d.registerAfter[d.current]
	if after == 0 || d.checks[d.current] < after {
		return nil, nil
	}
	return []model.Station{{Interface: "wlan1", MACAddress: "AA:BB:CC:DD:EE:FF", SignalDBm: d.signal[d.current]}}, nil
}

func (d *fakeDevice) Ping(_ context.Context, address string, count int, src string) (model.PingStats, error) {
	d.pingCalls = append(d.pingCalls, address+"<-"+src)
	ms, ok := d.pingMs[d.current]
	if !ok {
		return model.PingStats{}, errors.New("timeout")
	}
	return model.PingStats{Sent: count, Received: count, AvgRTT: time.Duration(ms * float64(time.Millisecond))}, nil
}

func (d *fakeDevice) BandwidthTest(_ context.Context, params model.TestParameters) (*model.BandwidthResult, error) {
	d.bwCalls = append(d.bwCalls, params)
	if err := d.bwErr[d.current]; err != nil {
		return nil, err
	}
	return &model.BandwidthResult{
		TxTotalAvgMbps: float64(d.current) / 100,
		RxTotalAvgMbps: 10,
		FinalStatus:    "done testing",
	}, nil
}

type memoryLog struct {
	records []model.Record
	err     error
}

func (m *memoryLog) Write(rec model.Record) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

type countingPublisher struct{ n int }

func (p *countingPublisher) Publish(context.Context, model.Record) { p.n++ }

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.MinSignalDBm = -65
	cfg.MaxPingMs = 50
	cfg.RegistrationChecks = 3
	cfg.CheckInterval = 5 * time.Second
	cfg.SettleTime = 20 * time.Second
	cfg.Cooldown = 3 * time.Second
	return cfg
}

func testParams() model.TestParameters {
	return model.TestParameters{
		StationAddress: "10.0.0.2",
		Protocol:       model.ProtocolTCP,
		Direction:      model.DirectionBoth,
		Duration:       10 * time.Second,
	}
}

func newTestSweeper(dev Device, out RecordWriter, opts ...SweeperOption) (*Sweeper, *timectrl.VirtualClock) {
	clock := timectrl.NewVirtualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]SweeperOption{WithClock(clock), WithAPAddress("10.0.0.1")}, opts...)
	return NewSweeper(dev, testConfig(), testParams(), out, nil, opts...), clock
}

func TestSweepWeakSignalSkipsBandwidthTest(t *testing.T) {
	dev := newFakeDevice()
	dev.registerAfter[5800] = 1
	dev.signal[5800] = -70
	dev.pingMs[5800] = 10

	out := &memoryLog{}
	s, _ := newTestSweeper(dev, out)
	summary, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5800}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(dev.bwCalls) != 0 {
		t.Fatalf("bandwidth tests = %d, want 0", len(dev.bwCalls))
	}
	if len(out.records) != 1 {
		t.Fatalf("records = %d, want 1", len(out.records))
	}
	rec := out.records[0]
	if rec.Status != model.StatusFail {
		t.Fatalf("status = %s, want %s", rec.Status, model.StatusFail)
	}
	if rec.Stage != model.StageQualityCheck {
		t.Fatalf("stage = %s, want %s", rec.Stage, model.StageQualityCheck)
	}
	if rec.SignalDBm == nil || *rec.SignalDBm != -70 {
		t.Fatalf("signal = %v, want -70", rec.SignalDBm)
	}
	if rec.Reason == "" {
		t.Fatalf("expected a failure reason")
	}
	if summary.Failed != 1 || summary.Best != nil {
		t.Fatalf("summary = %+v, want one failure and no best", summary)
	}
}

func TestSweepThreeFrequenciesWithSkip(t *testing.T) {
	dev := newFakeDevice()
	for _, mhz := range []int{5000, 5010} {
		dev.registerAfter[mhz] = 2
		dev.signal[mhz] = -55
		dev.pingMs[mhz] = 4
	}

	out := &memoryLog{}
	pub := &countingPublisher{}
	s, _ := newTestSweeper(dev, out, WithPublisher(pub))
	summary, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5000, 5005, 5010}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(out.records) != 3 {
		t.Fatalf("records = %d, want 3", len(out.records))
	}
	want := []model.Status{model.StatusPass, model.StatusSkip, model.StatusPass}
	for i, rec := range out.records {
		if rec.Status != want[i] {
			t.Fatalf("record %d status = %s, want %s", i, rec.Status, want[i])
		}
	}
	if got := out.records[1].FrequencyMHz; got != 5005 {
		t.Fatalf("skip frequency = %d, want 5005", got)
	}
	if out.records[1].Registered {
		t.Fatalf("skip record marked registered")
	}
	if dev.checks[5005] != 3 {
		t.Fatalf("registration checks at 5005 = %d, want 3", dev.checks[5005])
	}
	if len(dev.bwCalls) != 2 {
		t.Fatalf("bandwidth tests = %d, want 2", len(dev.bwCalls))
	}
	if pub.n != 3 {
		t.Fatalf("published = %d, want 3", pub.n)
	}
	if summary.Attempted != 3 || summary.Passed != 2 || summary.Skipped != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Best == nil || summary.Best.FrequencyMHz != 5010 {
		t.Fatalf("best = %+v, want 5010", summary.Best)
	}
}

func TestSweepWaitPattern(t *testing.T) {
	dev := newFakeDevice()
	dev.registerAfter[5500] = 2
	dev.signal[5500] = -50
	dev.pingMs[5500] = 3

	s, clock := newTestSweeper(dev, &memoryLog{})
	if _, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5500}}); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	want := []time.Duration{5 * time.Second, 5 * time.Second, 20 * time.Second, 3 * time.Second}
	got := clock.Waits()
	if len(got) != len(want) {
		t.Fatalf("waits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("waits = %v, want %v", got, want)
		}
	}
}

func TestSweepBandwidthParameters(t *testing.T) {
	dev := newFakeDevice()
	dev.registerAfter[5500] = 1
	dev.signal[5500] = -50
	dev.pingMs[5500] = 3

	s, _ := newTestSweeper(dev, &memoryLog{})
	if _, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5500}}); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(dev.bwCalls) != 1 {
		t.Fatalf("bandwidth tests = %d, want 1", len(dev.bwCalls))
	}
	if got := dev.bwCalls[0].Duration; got != 11*time.Second {
		t.Fatalf("test duration = %s, want 11s", got)
	}
	if len(dev.pingCalls) != 1 || dev.pingCalls[0] != "10.0.0.2<-10.0.0.1" {
		t.Fatalf("ping calls = %v, want station pinged from AP", dev.pingCalls)
	}
}

func TestSweepRecordCarriesTestSettings(t *testing.T) {
	dev := newFakeDevice()
	out := &memoryLog{}
	clock := timectrl.NewVirtualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	params := testParams()
	params.LocalTxMbps = 50
	s := NewSweeper(dev, testConfig(), params, out, nil, WithClock(clock))
	if _, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5500}}); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	rec := out.records[0]
	if rec.Protocol != model.ProtocolTCP || rec.Direction != model.DirectionBoth {
		t.Fatalf("record settings = %s/%s, want tcp/both", rec.Protocol, rec.Direction)
	}
	if rec.LocalTxMbps != 50 || rec.RemoteTxMbps != 0 {
		t.Fatalf("record limits = %d/%d, want 50/0", rec.LocalTxMbps, rec.RemoteTxMbps)
	}
}

func TestSweepRegistrationQueryErrorsSkip(t *testing.T) {
	dev := newFakeDevice()
	dev.regErr[5500] = errors.New("!trap: no such command")
	dev.registerAfter[5505] = 1
	dev.signal[5505] = -50
	dev.pingMs[5505] = 3

	out := &memoryLog{}
	s, _ := newTestSweeper(dev, out)
	if _, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5500, 5505}}); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(out.records) != 2 {
		t.Fatalf("records = %d, want 2", len(out.records))
	}
	rec := out.records[0]
	if rec.Status != model.StatusSkip || rec.Stage != model.StageAwaitingRegistration {
		t.Fatalf("first record = %s/%s, want skip/awaiting-registration", rec.Status, rec.Stage)
	}
	want := "no station registered after 3 checks (last error: !trap: no such command)"
	if rec.Reason != want {
		t.Fatalf("reason = %q, want %q", rec.Reason, want)
	}
	if dev.checks[5500] != 3 {
		t.Fatalf("registration checks = %d, want 3", dev.checks[5500])
	}
	if out.records[1].Status != model.StatusPass {
		t.Fatalf("second record = %s, want pass", out.records[1].Status)
	}
}

func TestSweepThresholdsInclusive(t *testing.T) {
	dev := newFakeDevice()
	dev.registerAfter[5500] = 1
	dev.signal[5500] = -65
	dev.pingMs[5500] = 50

	out := &memoryLog{}
	s, _ := newTestSweeper(dev, out)
	if _, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5500}}); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.records[0].Status != model.StatusPass {
		t.Fatalf("status = %s (%s), want pass at the exact thresholds", out.records[0].Status, out.records[0].Reason)
	}
}

func TestSweepPingTimeoutFails(t *testing.T) {
	dev := newFakeDevice()
	dev.registerAfter[5500] = 1
	dev.signal[5500] = -50

	out := &memoryLog{}
	s, _ := newTestSweeper(dev, out)
	if _, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5500}}); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	rec := out.records[0]
	if rec.Status != model.StatusFail || rec.PingMs != nil {
		t.Fatalf("record = %+v, want fail with no ping", rec)
	}
	if len(dev.bwCalls) != 0 {
		t.Fatalf("bandwidth tests = %d, want 0", len(dev.bwCalls))
	}
}

func TestSweepBandwidthErrorIsNotFatal(t *testing.T) {
	dev := newFakeDevice()
	for _, mhz := range []int{5500, 5505} {
		dev.registerAfter[mhz] = 1
		dev.signal[mhz] = -50
		dev.pingMs[mhz] = 3
	}
	dev.bwErr[5500] = errors.New("can not connect")

	out := &memoryLog{}
	s, _ := newTestSweeper(dev, out)
	summary, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5500, 5505}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.records[0].Status != model.StatusError || out.records[0].Stage != model.StageBandwidthTest {
		t.Fatalf("first record = %s/%s, want error/bandwidth-test", out.records[0].Status, out.records[0].Stage)
	}
	if out.records[1].Status != model.StatusPass {
		t.Fatalf("second record = %s, want pass", out.records[1].Status)
	}
	if summary.Errored != 1 || summary.Passed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestSweepFrequencyChangeFailure(t *testing.T) {
	dev := newFakeDevice()
	dev.setErr[5500] = errors.New("failure: frequency not supported")
	dev.registerAfter[5505] = 1
	dev.signal[5505] = -50
	dev.pingMs[5505] = 3

	out := &memoryLog{}
	s, _ := newTestSweeper(dev, out)
	if _, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5500, 5505}}); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.records[0].Status != model.StatusFail || out.records[0].Stage != model.StageFrequencySet {
		t.Fatalf("first record = %s/%s, want fail/frequency-set", out.records[0].Status, out.records[0].Stage)
	}
	if out.records[1].Status != model.StatusPass {
		t.Fatalf("second record = %s, want pass", out.records[1].Status)
	}
}

func TestSweepCancellationStopsWithoutLogging(t *testing.T) {
	dev := newFakeDevice()
	dev.registerAfter[5000] = 1
	dev.signal[5000] = -50
	dev.pingMs[5000] = 3

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev.onSet = func(mhz int) {
		if mhz == 5005 {
			cancel()
		}
	}

	out := &memoryLog{}
	s, _ := newTestSweeper(dev, out)
	_, err := s.Run(ctx, model.FrequencyPlan{Frequencies: []int{5000, 5005, 5010}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if len(out.records) != 1 {
		t.Fatalf("records = %d, want 1", len(out.records))
	}
	if len(dev.setCalls) != 2 {
		t.Fatalf("frequency changes = %v, want two", dev.setCalls)
	}
}

func TestSweepWriteFailureIsFatal(t *testing.T) {
	dev := newFakeDevice()
	out := &memoryLog{err: errors.New("disk full")}
	s, _ := newTestSweeper(dev, out)
	_, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5000, 5005}})
	if err == nil {
		t.Fatalf("expected write error")
	}
	if len(dev.setCalls) != 1 {
		t.Fatalf("frequency changes = %v, want sweep to stop after first", dev.setCalls)
	}
}

type recordingMetrics struct {
	started []int
	logged  []model.Status
	bw      int
}

func (m *recordingMetrics) FrequencyStarted(mhz int)                        { m.started = append(m.started, mhz) }
func (m *recordingMetrics) SignalMeasured(int)                              {}
func (m *recordingMetrics) PingMeasured(time.Duration)                      {}
func (m *recordingMetrics) BandwidthMeasured(*model.BandwidthResult, error) { m.bw++ }
func (m *recordingMetrics) FrequencyLogged(s model.Status, _ time.Duration) {
	m.logged = append(m.logged, s)
}

func TestSweepReportsMetrics(t *testing.T) {
	dev := newFakeDevice()
	dev.registerAfter[5000] = 1
	dev.signal[5000] = -50
	dev.pingMs[5000] = 3

	m := &recordingMetrics{}
	s, _ := newTestSweeper(dev, &memoryLog{}, WithMetricsRecorder(m))
	if _, err := s.Run(context.Background(), model.FrequencyPlan{Frequencies: []int{5000, 5005}}); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(m.started) != 2 || len(m.logged) != 2 || m.bw != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.logged[1] != model.StatusSkip {
		t.Fatalf("second status = %s, want skip", m.logged[1])
	}
}
