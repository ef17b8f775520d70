package device

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/mikrotune/model"
)

var leadingInt = regexp.MustCompile(`^\s*(-?\d+)`)

// parseSignal extracts dBm from values like "-65", "-65dBm" or "-65@6Mbps".
func parseSignal(v string) (int, error) {
	m := leadingInt.FindStringSubmatch(v)
	if m == nil {
		return 0, fmt.Errorf("unparseable signal strength %q", v)
	}
	return strconv.Atoi(m[1])
}

func stationFromMap(m map[string]string) model.Station {
	st := model.Station{
		Interface:  m["interface"],
		MACAddress: m["mac-address"],
		TxRate:     m["tx-rate"],
		RxRate:     m["rx-rate"],
		Uptime:     m["uptime"],
		SignalDBm:  -999,
	}
	if dbm, err := parseSignal(m["signal-strength"]); err == nil {
		st.SignalDBm = dbm
	}
	return st
}

// parseRTT accepts RouterOS durations such as "12ms", "1ms234us" or a bare
// millisecond count.
func parseRTT(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("empty rtt")
	}
	if ms, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	return time.ParseDuration(v)
}

// parsePing reads the running summary from the last ping row.
func parsePing(rows []map[string]string) (model.PingStats, error) {
	if len(rows) == 0 {
		return model.PingStats{}, ErrNoAvgRTT
	}
	last := rows[len(rows)-1]

	stats := model.PingStats{
		Sent:       atoi(last["sent"]),
		Received:   atoi(last["received"]),
		PacketLoss: atof(last["packet-loss"]),
	}
	avg, ok := last["avg-rtt"]
	if !ok || strings.TrimSpace(avg) == "" {
		return stats, ErrNoAvgRTT
	}

	var err error
	if stats.AvgRTT, err = parseRTT(avg); err != nil {
		return stats, fmt.Errorf("parse avg-rtt %q: %w", avg, err)
	}
	stats.MinRTT, _ = parseRTT(last["min-rtt"])
	stats.MaxRTT, _ = parseRTT(last["max-rtt"])
	return stats, nil
}

// parseBandwidth converts bandwidth-test status rows (rates in bit/s) into a
// result with rates in Mbps.
func parseBandwidth(rows []map[string]string) (*model.BandwidthResult, error) {
	if len(rows) == 0 {
		return nil, ErrNoSamples
	}

	res := &model.BandwidthResult{Samples: make([]model.BandwidthSample, 0, len(rows))}
	for _, row := range rows {
		res.Samples = append(res.Samples, model.BandwidthSample{
			Status:          row["status"],
			Duration:        row["duration"],
			TxCurrent:       bpsToMbps(row["tx-current"]),
			Tx10SecondAvg:   bpsToMbps(row["tx-10-second-average"]),
			TxTotalAvg:      bpsToMbps(row["tx-total-average"]),
			RxCurrent:       bpsToMbps(row["rx-current"]),
			Rx10SecondAvg:   bpsToMbps(row["rx-10-second-average"]),
			RxTotalAvg:      bpsToMbps(row["rx-total-average"]),
			LostPackets:     atoi(row["lost-packets"]),
			RandomData:      row["random-data"],
			Direction:       row["direction"],
			ConnectionCount: atoi(row["connection-count"]),
			LocalCPULoad:    row["local-cpu-load"],
			RemoteCPULoad:   row["remote-cpu-load"],
		})
	}

	final := res.Samples[len(res.Samples)-1]
	res.FinalStatus = final.Status
	res.TxTotalAvgMbps = final.TxTotalAvg
	res.RxTotalAvgMbps = final.RxTotalAvg

	if failedStatus(final.Status) {
		return res, fmt.Errorf("%w: %s", ErrTestFailed, final.Status)
	}
	return res, nil
}

func failedStatus(status string) bool {
	s := strings.ToLower(status)
	for _, marker := range []string{"can not", "cannot", "failed", "error", "disconnected", "refused"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func bpsToMbps(v string) float64 {
	return atof(v) / 1_000_000
}

func atoi(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

func atof(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "%"), 64)
	if err != nil {
		return 0
	}
	return f
}
