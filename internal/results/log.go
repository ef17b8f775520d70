// Package results writes sweep records to the append-only results file and
// publishes them to optional export sinks.
package results

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/mikrotune/model"
)

// Log appends one formatted block per record to a results file. Records are
// written in the order Write is called and never rewritten.
type Log struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	path   string
	count  int
}

// Open opens (or creates) path for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open results file %q: %w", path, err)
	}
	return &Log{w: f, closer: f, path: path}, nil
}

// NewLog wraps an arbitrary writer.
func NewLog(w io.Writer) *Log {
	return &Log{w: w}
}

// Path returns the file path, or "" for writer-backed logs.
func (l *Log) Path() string { return l.path }

// Count returns the number of records written.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Write appends rec. Each record is emitted with a single write call.
func (l *Log) Write(rec model.Record) error {
	var buf bytes.Buffer
	FormatRecord(&buf, rec)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write record for %d MHz: %w", rec.FrequencyMHz, err)
	}
	if f, ok := l.w.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync results file: %w", err)
		}
	}
	l.count++
	return nil
}

// Close closes the underlying file, if any.
func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

var sampleHeaders = []string{
	"status", "duration", "tx-current", "tx-10-second-avg", "tx-total-avg",
	"rx-current", "rx-10-second-avg", "rx-total-avg", "lost-packets",
	"direction", "conn-count", "local-cpu-load", "remote-cpu-load",
}

var sampleWidths = []int{14, 9, 11, 17, 13, 11, 17, 13, 13, 10, 11, 15, 15}

// FormatRecord renders rec as a parameter table followed, when a bandwidth
// test ran, by one row per sample.
func FormatRecord(w io.Writer, rec model.Record) {
	rule := fmt.Sprintf("+%s+%s+\n", dashes(24), dashes(34))
	row := func(k, v string) { fmt.Fprintf(w, "| %-23s| %-33s|\n", k, v) }

	fmt.Fprint(w, rule)
	row("Parameter", "Value")
	fmt.Fprint(w, rule)
	row("Time", rec.Time.Format(time.RFC3339))
	row("Frequency", strconv.Itoa(rec.FrequencyMHz))
	row("Status", string(rec.Status))
	row("Stage", rec.Stage.String())
	row("Reason", orDash(rec.Reason))
	row("Registered", strconv.FormatBool(rec.Registered))
	row("Signal", intOrDash(rec.SignalDBm))
	row("Average Ping Time", floatOrDash(rec.PingMs))
	row("AP IP", orDash(rec.APAddress))
	row("Station IP", orDash(rec.StationAddress))
	row("Protocol", orDash(strings.ToUpper(string(rec.Protocol))))
	row("Direction", orDash(string(rec.Direction)))
	row("Local Tx Limit", model.LimitString(rec.LocalTxMbps))
	row("Remote Tx Limit", model.LimitString(rec.RemoteTxMbps))
	if bw := rec.Bandwidth; bw != nil {
		row("Tx Total Avg (Mbps)", strconv.FormatFloat(bw.TxTotalAvgMbps, 'f', 2, 64))
		row("Rx Total Avg (Mbps)", strconv.FormatFloat(bw.RxTotalAvgMbps, 'f', 2, 64))
		row("Test Status", orDash(bw.FinalStatus))
	}
	fmt.Fprint(w, rule)

	if rec.Bandwidth == nil || len(rec.Bandwidth.Samples) == 0 {
		fmt.Fprintln(w)
		return
	}

	fmt.Fprintln(w)
	writeSampleRow(w, sampleHeaders)
	sampleRule(w)
	for _, s := range rec.Bandwidth.Samples {
		writeSampleRow(w, []string{
			orDash(s.Status),
			orDash(s.Duration),
			mbps(s.TxCurrent),
			mbps(s.Tx10SecondAvg),
			mbps(s.TxTotalAvg),
			mbps(s.RxCurrent),
			mbps(s.Rx10SecondAvg),
			mbps(s.RxTotalAvg),
			strconv.Itoa(s.LostPackets),
			orDash(s.Direction),
			strconv.Itoa(s.ConnectionCount),
			orDash(s.LocalCPULoad),
			orDash(s.RemoteCPULoad),
		})
	}
	sampleRule(w)
	fmt.Fprintln(w)
}

func writeSampleRow(w io.Writer, cols []string) {
	for i, c := range cols {
		fmt.Fprintf(w, "| %-*s", sampleWidths[i], c)
	}
	fmt.Fprintln(w, "|")
}

func sampleRule(w io.Writer) {
	for _, width := range sampleWidths {
		fmt.Fprintf(w, "+%s", dashes(width+1))
	}
	fmt.Fprintln(w, "+")
}

func dashes(n int) string {
	return strings.Repeat("-", n)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func floatOrDash(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func mbps(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
