package core

import (
	"fmt"
	"strings"
)

// Thresholds are the pass criteria applied before a bandwidth test.
type Thresholds struct {
	MinSignalDBm int
	MaxPingMs    float64
}

// QualityReport holds the measurements taken at one frequency and whether
// they met the thresholds. Nil measurements were not obtained.
type QualityReport struct {
	SignalDBm *int
	PingMs    *float64

	SignalErr error
	PingErr   error
}

// Evaluate checks r against t. Both bounds are inclusive: signal >= minimum
// and ping <= maximum. The returned reason lists every failed check.
func (r QualityReport) Evaluate(t Thresholds) (bool, string) {
	var reasons []string

	switch {
	case r.SignalDBm == nil:
		reasons = append(reasons, fmt.Sprintf("signal unavailable: %v", orUnknown(r.SignalErr)))
	case *r.SignalDBm < t.MinSignalDBm:
		reasons = append(reasons, fmt.Sprintf("signal %d dBm below minimum %d dBm", *r.SignalDBm, t.MinSignalDBm))
	}

	switch {
	case r.PingMs == nil:
		reasons = append(reasons, fmt.Sprintf("ping failed: %v", orUnknown(r.PingErr)))
	case *r.PingMs > t.MaxPingMs:
		reasons = append(reasons, fmt.Sprintf("ping %.2f ms above maximum %.2f ms", *r.PingMs, t.MaxPingMs))
	}

	if len(reasons) > 0 {
		return false, strings.Join(reasons, "; ")
	}
	return true, ""
}

func orUnknown(err error) any {
	if err == nil {
		return "unknown error"
	}
	return err
}
