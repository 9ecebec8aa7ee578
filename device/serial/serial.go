// Package serial implements spec.md §6's log sink: an unsynchronized,
// polled-write UART at I/O port 0x3F8, mirrored to port 0xE9 for
// hypervisor debug hooks (QEMU's "debugcon", e.g.).
package serial

import "github.com/open-computing-kit/ockernel/kernel/cpu"

const (
	// comPort is the 16550-compatible UART spec.md §6 specifies as the
	// log sink's backing device.
	comPort = 0x3F8

	// lineStatusOffset is the line-status register's offset from comPort.
	lineStatusOffset = 5

	// txEmptyBit marks the transmit FIFO as empty and ready for another
	// byte (spec.md §6: "bit 0x20 = empty").
	txEmptyBit = 0x20

	// debugconPort mirrors every byte written to comPort; harmless on
	// real hardware (an unmapped port read/write is simply ignored) and
	// picked up by QEMU's isa-debugcon device when present.
	debugconPort = 0xE9
)

// portReadByte and portWriteByte indirect through cpu's port I/O so tests
// can replace them; a hosted go test binary has no business issuing real
// IN/OUT instructions.
var (
	portReadByte  = cpu.PortReadByte
	portWriteByte = cpu.PortWriteByte
)

// Port is a polled-write serial log sink. The zero value is ready to use;
// it holds no state beyond the fixed port numbers above.
type Port struct{}

// New returns a Port bound to the fixed COM1/debugcon ports.
func New() *Port { return &Port{} }

// WriteByte blocks until the transmit FIFO reports empty, then writes b to
// the serial port and its debugcon mirror.
func (p *Port) WriteByte(b byte) error {
	for portReadByte(comPort+lineStatusOffset)&txEmptyBit == 0 {
	}
	portWriteByte(comPort, b)
	portWriteByte(debugconPort, b)
	return nil
}

// Write implements io.Writer by writing each byte of p in order. It never
// returns a short write or a non-nil error: a serial port has no failure
// mode besides "not ready yet", which WriteByte already polls through.
func (port *Port) Write(p []byte) (int, error) {
	for _, b := range p {
		port.WriteByte(b)
	}
	return len(p), nil
}
