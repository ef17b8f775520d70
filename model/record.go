package model

import "time"

// Station is one row of the wireless registration table.
type Station struct {
	Interface  string
	MACAddress string
	SignalDBm  int
	TxRate     string
	RxRate     string
	Uptime     string
}

// PingStats summarises a ping run issued from the AP.
type PingStats struct {
	Sent       int
	Received   int
	PacketLoss float64 // percent
	MinRTT     time.Duration
	AvgRTT     time.Duration
	MaxRTT     time.Duration
}

// AvgMs returns the average RTT in milliseconds.
func (p PingStats) AvgMs() float64 {
	return float64(p.AvgRTT) / float64(time.Millisecond)
}

// BandwidthSample is one status row reported while a bandwidth test runs.
// Rates are in Mbps.
type BandwidthSample struct {
	Status          string
	Duration        string
	TxCurrent       float64
	Tx10SecondAvg   float64
	TxTotalAvg      float64
	RxCurrent       float64
	Rx10SecondAvg   float64
	RxTotalAvg      float64
	LostPackets     int
	RandomData      string
	Direction       string
	ConnectionCount int
	LocalCPULoad    string
	RemoteCPULoad   string
}

// BandwidthResult is the outcome of a completed bandwidth test.
type BandwidthResult struct {
	Samples []BandwidthSample

	// Totals are taken from the final sample.
	TxTotalAvgMbps float64
	RxTotalAvgMbps float64
	FinalStatus    string
}

// Status is the terminal classification of a frequency attempt.
type Status string

const (
	// StatusPass means quality checks passed and the bandwidth test completed.
	StatusPass Status = "pass"
	// StatusSkip means no station registered within the retry budget.
	StatusSkip Status = "skip"
	// StatusFail means the frequency change failed or a quality threshold was not met.
	StatusFail Status = "fail"
	// StatusError means the bandwidth test itself failed at the API level.
	StatusError Status = "error"
)

// Stage is a step of the per-frequency state machine. Stages only move forward.
type Stage int

const (
	StageFrequencySet Stage = iota
	StageAwaitingRegistration
	StageQualityCheck
	StageBandwidthTest
	StageLogged
)

func (s Stage) String() string {
	switch s {
	case StageFrequencySet:
		return "frequency-set"
	case StageAwaitingRegistration:
		return "awaiting-registration"
	case StageQualityCheck:
		return "quality-check"
	case StageBandwidthTest:
		return "bandwidth-test"
	case StageLogged:
		return "logged"
	default:
		return "unknown"
	}
}

// Record is the immutable result of one frequency attempt.
type Record struct {
	Time           time.Time `json:"time"`
	FrequencyMHz   int       `json:"frequency_mhz"`
	APAddress      string    `json:"ap_address"`
	StationAddress string    `json:"station_address"`

	// Test settings the bandwidth test was (or would have been) run with.
	Protocol     Protocol  `json:"protocol,omitempty"`
	Direction    Direction `json:"direction,omitempty"`
	LocalTxMbps  int       `json:"local_tx_mbps"`
	RemoteTxMbps int       `json:"remote_tx_mbps"`

	Registered bool     `json:"registered"`
	SignalDBm  *int     `json:"signal_dbm,omitempty"`
	PingMs     *float64 `json:"ping_ms,omitempty"`

	Bandwidth *BandwidthResult `json:"bandwidth,omitempty"`

	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	// Stage is the furthest stage reached before the record was logged.
	Stage Stage `json:"-"`
	// StageName mirrors Stage for serialised exports.
	StageName string `json:"stage"`
}
