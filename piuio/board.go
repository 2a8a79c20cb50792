package piuio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/gousb"
	log "github.com/sirupsen/logrus"
)

// PIUIO is an Anchor/Cypress EZ-USB based board. All traffic is vendor
// control transfers of one 32-bit word.
const (
	usbVendorID  gousb.ID = 0x0547
	usbProductID gousb.ID = 0x1002

	usbCtrlRequest = 0xAE
)

// USBBoard is the concrete PIUIO transport. Enumeration and hot-plug are not
// handled; Open claims the first matching device and the board stays claimed
// until Close.
type USBBoard struct {
	ctx *gousb.Context
	dev *gousb.Device
}

var _ Board = (*USBBoard)(nil)

// NewUSBBoard returns an unopened board handle.
func NewUSBBoard() *USBBoard {
	return &USBBoard{}
}

// Open claims the PIUIO device. Fails with ErrBoardNotFound if no board is
// attached.
func (b *USBBoard) Open() error {
	b.ctx = gousb.NewContext()

	dev, err := b.ctx.OpenDeviceWithVIDPID(usbVendorID, usbProductID)
	if err != nil {
		b.ctx.Close()
		b.ctx = nil
		return fmt.Errorf("piuio: %v: %w", err, ErrBoardNotFound)
	}
	if dev == nil {
		b.ctx.Close()
		b.ctx = nil
		return fmt.Errorf("piuio: no device %s:%s: %w", usbVendorID, usbProductID, ErrBoardNotFound)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		log.Warnf("piuio: auto-detach: %v", err)
	}

	b.dev = dev
	log.Tracef("piuio: opened board %s:%s", usbVendorID, usbProductID)
	return nil
}

// Close releases the device.
func (b *USBBoard) Close() error {
	var err error
	if b.dev != nil {
		err = b.dev.Close()
		b.dev = nil
	}
	if b.ctx != nil {
		if cerr := b.ctx.Close(); err == nil {
			err = cerr
		}
		b.ctx = nil
	}
	return err
}

// Write sends one output word to the board.
func (b *USBBoard) Write(data uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], data)
	if _, err := b.dev.Control(gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice, usbCtrlRequest, 0, 0, buf[:]); err != nil {
		return fmt.Errorf("piuio: write: %w", err)
	}
	return nil
}

// Read fetches the input word for the sensor set selected by the last Write.
func (b *USBBoard) Read(data *uint32) error {
	var buf [4]byte
	if _, err := b.dev.Control(gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice, usbCtrlRequest, 0, 0, buf[:]); err != nil {
		return fmt.Errorf("piuio: read: %w", err)
	}
	*data = binary.LittleEndian.Uint32(buf[:])
	return nil
}

// BulkReadWrite runs the four write/read pairs concurrently, one per phase.
// buf holds the output words in slots 0, 2, 4 and 6; each is overwritten in
// place with the input word its write selected. Mirrors the patched-kernel
// bulk path of the arcade build.
func (b *USBBoard) BulkReadWrite(buf []uint32) error {
	if len(buf) != 2*numSensors {
		return fmt.Errorf("piuio: bulk buffer must be %d words, got %d", 2*numSensors, len(buf))
	}

	var wg sync.WaitGroup
	errs := make([]error, numSensors)
	for i := 0; i < numSensors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := b.Write(buf[2*i]); err != nil {
				errs[i] = err
				return
			}
			errs[i] = b.Read(&buf[2*i])
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
