// Package uart implements the ZhianTec fingerprint module protocol (the
// R30x/ZFM family) over a serial port. Each operation is one
// command/acknowledge packet exchange; the module does all template work.
package uart

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"go.bug.st/serial"

	"github.com/mindware/bioterminal/internal/bioterm/sensor"
)

const (
	startCode     = 0xEF01
	defaultModule = 0xFFFFFFFF

	packetCommand = 0x01
	packetAck     = 0x07

	cmdCaptureImage = 0x01
	cmdImageToTz    = 0x02
	cmdSearch       = 0x04
	cmdBuildModel   = 0x05
	cmdStoreModel   = 0x06
	cmdDeleteModel  = 0x0C

	ackOK          = 0x00
	ackPacketErr   = 0x01
	ackNoFinger    = 0x02
	ackImageFail   = 0x03
	ackNotFound    = 0x09
	ackBadLocation = 0x0B
	ackFlashErr    = 0x18
)

// Driver speaks the packet protocol over any ReadWriter. Production code
// opens a serial port with Open; tests inject an in-memory transport.
type Driver struct {
	rw     io.ReadWriter
	closer io.Closer
	addr   uint32
}

// Open opens the serial device (8N1, typically /dev/serial0 at 57600 baud)
// and returns a driver bound to the default module address.
func Open(portName string, baud int) (*Driver, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open sensor port %s: %w", portName, err)
	}
	return &Driver{rw: port, closer: port, addr: defaultModule}, nil
}

// New wraps an existing transport; used by tests.
func New(rw io.ReadWriter) *Driver {
	return &Driver{rw: rw, addr: defaultModule}
}

func (d *Driver) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func (d *Driver) CaptureImage(ctx context.Context) error {
	_, err := d.exchange(ctx, cmdCaptureImage)
	return err
}

func (d *Driver) ImageToTemplate(ctx context.Context, buf sensor.Buffer) error {
	_, err := d.exchange(ctx, cmdImageToTz, byte(buf))
	return err
}

func (d *Driver) Search(ctx context.Context) (int, error) {
	// Search Buffer1 across the whole template library.
	payload, err := d.exchange(ctx, cmdSearch, byte(sensor.Buffer1), 0x00, 0x00, 0x00, 0xFF)
	if err != nil {
		return 0, err
	}
	if len(payload) < 2 {
		return 0, fmt.Errorf("%w: short search reply", sensor.ErrProtocol)
	}
	return int(binary.BigEndian.Uint16(payload[:2])), nil
}

func (d *Driver) BuildModel(ctx context.Context) error {
	_, err := d.exchange(ctx, cmdBuildModel)
	return err
}

func (d *Driver) StoreModel(ctx context.Context, slot int) error {
	_, err := d.exchange(ctx, cmdStoreModel,
		byte(sensor.Buffer1), byte(slot>>8), byte(slot))
	return err
}

func (d *Driver) DeleteModel(ctx context.Context, slot int) error {
	// Delete exactly one template starting at slot.
	_, err := d.exchange(ctx, cmdDeleteModel, byte(slot>>8), byte(slot), 0x00, 0x01)
	return err
}

// exchange sends one command packet and reads the acknowledge packet,
// mapping the confirmation code to a sensor error. The returned payload
// excludes the confirmation byte.
func (d *Driver) exchange(ctx context.Context, instruction byte, params ...byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := d.writePacket(instruction, params); err != nil {
		return nil, fmt.Errorf("%w: %v", sensor.ErrIO, err)
	}

	code, payload, err := d.readAck()
	if err != nil {
		return nil, err
	}

	switch code {
	case ackOK:
		return payload, nil
	case ackNoFinger:
		return nil, sensor.ErrNoFinger
	case ackNotFound:
		return nil, sensor.ErrNoMatch
	case ackImageFail:
		return nil, fmt.Errorf("%w: image capture failed", sensor.ErrIO)
	default:
		// ackPacketErr, ackBadLocation, ackFlashErr, and anything undocumented.
		return nil, fmt.Errorf("%w: confirmation 0x%02x", sensor.ErrProtocol, code)
	}
}

func (d *Driver) writePacket(instruction byte, params []byte) error {
	payload := append([]byte{instruction}, params...)
	length := len(payload) + 2 // payload + checksum

	pkt := make([]byte, 0, 9+length)
	pkt = binary.BigEndian.AppendUint16(pkt, startCode)
	pkt = binary.BigEndian.AppendUint32(pkt, d.addr)
	pkt = append(pkt, packetCommand)
	pkt = binary.BigEndian.AppendUint16(pkt, uint16(length))
	pkt = append(pkt, payload...)

	var sum uint16 = uint16(packetCommand) + uint16(length)
	for _, b := range payload {
		sum += uint16(b)
	}
	pkt = binary.BigEndian.AppendUint16(pkt, sum)

	_, err := d.rw.Write(pkt)
	return err
}

func (d *Driver) readAck() (byte, []byte, error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(d.rw, header); err != nil {
		return 0, nil, fmt.Errorf("%w: read header: %v", sensor.ErrIO, err)
	}

	if binary.BigEndian.Uint16(header[0:2]) != startCode {
		return 0, nil, fmt.Errorf("%w: bad start code", sensor.ErrProtocol)
	}
	if header[6] != packetAck {
		return 0, nil, fmt.Errorf("%w: unexpected packet type 0x%02x", sensor.ErrProtocol, header[6])
	}

	length := int(binary.BigEndian.Uint16(header[7:9]))
	if length < 3 { // confirmation + checksum
		return 0, nil, fmt.Errorf("%w: bad packet length %d", sensor.ErrProtocol, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.rw, body); err != nil {
		return 0, nil, fmt.Errorf("%w: read body: %v", sensor.ErrIO, err)
	}

	var sum uint16 = uint16(packetAck) + uint16(length)
	for _, b := range body[:length-2] {
		sum += uint16(b)
	}
	if sum != binary.BigEndian.Uint16(body[length-2:]) {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", sensor.ErrProtocol)
	}

	return body[0], body[1 : length-2], nil
}
