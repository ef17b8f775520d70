package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultAPIPort is the RouterOS API plaintext port.
const DefaultAPIPort = 8728

// DeviceTarget identifies the access point whose radio is swept.
type DeviceTarget struct {
	Address  string
	Username string
	Password string
	Port     int
}

// HostPort returns the dial address for the device API.
func (t DeviceTarget) HostPort() string {
	port := t.Port
	if port <= 0 {
		port = DefaultAPIPort
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

// Protocol is the transport used by the bandwidth test.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Direction is the traffic direction of the bandwidth test, seen from the AP.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
	DirectionBoth     Direction = "both"
)

// DeviceValue maps the direction onto the bandwidth-test keyword.
func (d Direction) DeviceValue() string {
	switch d {
	case DirectionUpload:
		return "transmit"
	case DirectionDownload:
		return "receive"
	default:
		return "both"
	}
}

// TestParameters are the bandwidth-test settings collected from the operator
// once per run.
type TestParameters struct {
	StationAddress string
	Protocol       Protocol
	Direction      Direction

	// LocalTxMbps and RemoteTxMbps cap the send rate on each side.
	// Zero means unlimited.
	LocalTxMbps  int
	RemoteTxMbps int

	Duration time.Duration
}

// Validate checks the parameters are usable for a bandwidth test.
func (p TestParameters) Validate() error {
	if p.StationAddress == "" {
		return fmt.Errorf("station address is required")
	}
	switch p.Protocol {
	case ProtocolTCP, ProtocolUDP:
	default:
		return fmt.Errorf("unsupported protocol %q", p.Protocol)
	}
	switch p.Direction {
	case DirectionUpload, DirectionDownload, DirectionBoth:
	default:
		return fmt.Errorf("unsupported direction %q", p.Direction)
	}
	if p.LocalTxMbps < 0 || p.RemoteTxMbps < 0 {
		return fmt.Errorf("tx limits must not be negative")
	}
	if p.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", p.Duration)
	}
	return nil
}

// LimitString renders a tx limit for humans.
func LimitString(mbps int) string {
	if mbps <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d Mbps", mbps)
}
