// Package serialport adapts github.com/tarm/serial to the io.ReadWriteCloser
// + Flush Port abstraction the host tools drive the MoaT serial framer
// over, following the teacher's host/serial package.
package serialport

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port is a serial device the framer can be driven over: a real USB/UART
// gateway link, or (in tests) anything else satisfying the interface.
type Port interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	Flush() error
}

// Config holds the serial device parameters for a MoaT gateway connection.
type Config struct {
	// Device path (e.g. "/dev/ttyACM0", "COM3").
	Device string
	// Baud rate. MoaT gateways commonly run USB CDC, which ignores this,
	// but a real UART bridge needs it set correctly.
	Baud int
	// ReadTimeout in milliseconds; 0 blocks indefinitely.
	ReadTimeout int
}

// DefaultConfig returns sensible defaults for a MoaT gateway at device.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100,
	}
}

// nativePort wraps *serial.Port from github.com/tarm/serial.
type nativePort struct {
	port *serial.Port
}

// Open opens a native serial port using the given configuration.
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("serialport: config cannot be nil")
	}
	sc := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Millisecond,
	}
	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", cfg.Device, err)
	}
	return &nativePort{port: p}, nil
}

func (p *nativePort) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *nativePort) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *nativePort) Close() error                { return p.port.Close() }

// Flush is a best-effort no-op: tarm/serial doesn't expose a flush call,
// and Write already blocks until the bytes are handed to the OS.
func (p *nativePort) Flush() error { return nil }
