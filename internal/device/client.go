// Package device talks to a MikroTik access point over the RouterOS API.
package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-routeros/routeros/v3"
	"github.com/signalsfoundry/mikrotune/internal/logging"
	"github.com/signalsfoundry/mikrotune/model"
)

var (
	// ErrEmptyAddress is returned by Dial when no device address was given.
	ErrEmptyAddress = errors.New("device address is empty")
	// ErrNoInterface is returned when no wireless interface matches.
	ErrNoInterface = errors.New("no wireless interface found")
	// ErrNoAvgRTT is returned when a ping produced no average RTT (timeout).
	ErrNoAvgRTT = errors.New("ping returned no avg-rtt")
	// ErrNoSamples is returned when a bandwidth test reported nothing.
	ErrNoSamples = errors.New("bandwidth test returned no samples")
	// ErrTestFailed is returned when the device reports a failed bandwidth test.
	ErrTestFailed = errors.New("bandwidth test failed")
)

// runner is the subset of *routeros.Client used here.
type runner interface {
	RunArgs(sentence []string) (*routeros.Reply, error)
}

// Client issues sweep commands to one device. Calls are sequential; the
// client is not meant to be shared between goroutines.
type Client struct {
	conn    runner
	closeFn func()
	target  model.DeviceTarget
	iface   string
	log     logging.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithInterface restricts frequency changes and registration queries to the
// named wireless interface.
func WithInterface(name string) Option {
	return func(c *Client) {
		c.iface = strings.TrimSpace(name)
	}
}

// WithLogger attaches a logger for per-interface warnings.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Dial connects and logs in to the device API using a plaintext login.
// An empty address or an unreachable device is an error.
func Dial(ctx context.Context, target model.DeviceTarget, timeout time.Duration, opts ...Option) (*Client, error) {
	if strings.TrimSpace(target.Address) == "" {
		return nil, ErrEmptyAddress
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := target.HostPort()
	conn, err := routeros.DialTimeout(addr, target.Username, target.Password, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return newClient(conn, func() { conn.Close() }, target, opts...), nil
}

func newClient(conn runner, closeFn func(), target model.DeviceTarget, opts ...Option) *Client {
	if closeFn != nil {
		closeFn = sync.OnceFunc(closeFn)
	}
	c := &Client{
		conn:    conn,
		closeFn: closeFn,
		target:  target,
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close terminates the API session.
func (c *Client) Close() error {
	if c.closeFn != nil {
		c.closeFn()
		c.closeFn = nil
	}
	return nil
}

// run executes one API sentence. Cancelling ctx closes the connection so a
// long-running command (bandwidth test, ping) returns promptly.
func (c *Client) run(ctx context.Context, words ...string) (*routeros.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closeFn != nil {
		stop := context.AfterFunc(ctx, c.closeFn)
		defer stop()
	}

	reply, err := c.conn.RunArgs(words)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %w", words[0], err)
	}
	return reply, nil
}

// SetFrequency sets the frequency on every matching wireless interface.
// It fails only when no interface accepted the change.
func (c *Client) SetFrequency(ctx context.Context, mhz int) error {
	reply, err := c.run(ctx, "/interface/wireless/print", "=.proplist=.id,name")
	if err != nil {
		return err
	}

	type iface struct{ id, name string }
	var targets []iface
	for _, re := range reply.Re {
		name := re.Map["name"]
		if c.iface != "" && name != c.iface {
			continue
		}
		targets = append(targets, iface{id: re.Map[".id"], name: name})
	}
	if len(targets) == 0 {
		if c.iface != "" {
			return fmt.Errorf("%w: %q", ErrNoInterface, c.iface)
		}
		return ErrNoInterface
	}

	var errs []error
	for _, t := range targets {
		if _, err := c.run(ctx, "/interface/wireless/set", "=.id="+t.id, "=frequency="+strconv.Itoa(mhz)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.log.Warn(ctx, "failed to set frequency on interface",
				logging.String("interface", t.name),
				logging.Int("frequency_mhz", mhz),
				logging.Err(err),
			)
			errs = append(errs, fmt.Errorf("interface %s: %w", t.name, err))
			continue
		}
		c.log.Debug(ctx, "frequency set", logging.String("interface", t.name), logging.Int("frequency_mhz", mhz))
	}
	if len(errs) == len(targets) {
		return fmt.Errorf("set frequency %d MHz: %w", mhz, errors.Join(errs...))
	}
	return nil
}

// RegisteredStations returns the current registration table.
func (c *Client) RegisteredStations(ctx context.Context) ([]model.Station, error) {
	reply, err := c.run(ctx, "/interface/wireless/registration-table/print")
	if err != nil {
		return nil, err
	}

	stations := make([]model.Station, 0, len(reply.Re))
	for _, re := range reply.Re {
		st := stationFromMap(re.Map)
		if c.iface != "" && st.Interface != "" && st.Interface != c.iface {
			continue
		}
		stations = append(stations, st)
	}
	return stations, nil
}

// Ping pings address count times from the device. srcAddress is optional.
func (c *Client) Ping(ctx context.Context, address string, count int, srcAddress string) (model.PingStats, error) {
	words := []string{"/ping", "=address=" + address, "=count=" + strconv.Itoa(count)}
	if srcAddress != "" {
		words = append(words, "=src-address="+srcAddress)
	}
	reply, err := c.run(ctx, words...)
	if err != nil {
		return model.PingStats{}, err
	}

	rows := make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		rows = append(rows, re.Map)
	}
	return parsePing(rows)
}

// BandwidthTest runs /tool/bandwidth-test and blocks until the device
// reports completion.
func (c *Client) BandwidthTest(ctx context.Context, params model.TestParameters) (*model.BandwidthResult, error) {
	reply, err := c.run(ctx, BandwidthTestArgs(params)...)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		rows = append(rows, re.Map)
	}
	return parseBandwidth(rows)
}

// BandwidthTestArgs builds the API sentence for a bandwidth test. Zero tx
// limits are omitted, which the device treats as unlimited.
func BandwidthTestArgs(params model.TestParameters) []string {
	secs := int64(params.Duration.Round(time.Second) / time.Second)
	args := []string{
		"/tool/bandwidth-test",
		"=address=" + params.StationAddress,
		"=duration=" + strconv.FormatInt(secs, 10) + "s",
		"=protocol=" + string(params.Protocol),
		"=direction=" + params.Direction.DeviceValue(),
	}
	if params.LocalTxMbps > 0 {
		args = append(args, "=local-tx-speed="+strconv.Itoa(params.LocalTxMbps)+"M")
	}
	if params.RemoteTxMbps > 0 {
		args = append(args, "=remote-tx-speed="+strconv.Itoa(params.RemoteTxMbps)+"M")
	}
	return args
}
