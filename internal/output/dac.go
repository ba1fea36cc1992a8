package output

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultDACAddress is the 7-bit address of the analog output card.
const DefaultDACAddress = 176 >> 1

// DAC writes the technical output value to an analog output card. Each write
// is one transaction: channel, low byte, high byte.
type DAC struct {
	mu       sync.Mutex
	dev      conn.Conn
	bus      i2c.BusCloser
	channels map[int]byte
	limiter  *rate.Limiter
	last     map[int]int
}

// OpenDAC opens the I²C bus (empty name selects the first one) and returns a
// DAC at addr. perSecond limits the write rate.
func OpenDAC(busName string, addr uint16, channels map[int]byte, perSecond float64) (*DAC, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("dac: host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("dac: open i2c bus %q: %w", busName, err)
	}
	d := NewDAC(&i2c.Dev{Addr: addr, Bus: bus}, channels, perSecond)
	d.bus = bus
	return d, nil
}

// NewDAC returns a DAC on an already opened connection.
func NewDAC(dev conn.Conn, channels map[int]byte, perSecond float64) *DAC {
	if perSecond <= 0 {
		perSecond = 20
	}
	return &DAC{
		dev:      dev,
		channels: channels,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), len(channels)*2),
		last:     map[int]int{},
	}
}

// Frame returns the bytes written for a channel and output value.
func Frame(channel byte, tech int) []byte {
	return []byte{channel, byte(tech & 0xff), byte(tech >> 8)}
}

// Write sends the output value of a fan. Unchanged values are not resent.
func (d *DAC) Write(fanID int, tech int) error {
	ch, ok := d.channels[fanID]
	if !ok {
		return nil
	}
	if err := checkTech(fanID, tech); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.last[fanID]; ok && v == tech {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("dac: fan%d: %w", fanID, err)
	}
	if err := d.dev.Tx(Frame(ch, tech), nil); err != nil {
		delete(d.last, fanID)
		return fmt.Errorf("dac: fan%d: %w", fanID, err)
	}
	d.last[fanID] = tech
	return nil
}

// Close sets all channels to 0 and releases the bus.
func (d *DAC) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, ch := range d.channels {
		if err := d.dev.Tx(Frame(ch, 0), nil); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("dac: %w", err)
		}
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("dac: close bus: %w", err)
		}
	}
	return firstErr
}
