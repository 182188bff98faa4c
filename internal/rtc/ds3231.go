// Package rtc drives a DS3231 real-time clock over I²C. The chip holds UTC.
package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	DefaultAddr = 0x68

	regSeconds = 0x00
	regStatus  = 0x0F

	statusOSF   = 0x80 // oscillator stopped since last clear
	hour12      = 0x40
	hourPM      = 0x20
	centuryBit  = 0x80
	timeRegSize = 7
)

// ErrOutOfRange is returned for times the chip cannot hold (years 2000-2199).
var ErrOutOfRange = errors.New("time outside rtc range")

// DS3231 is a DS3231 on an I²C bus.
type DS3231 struct {
	mu  sync.Mutex
	c   conn.Conn
	bus i2c.BusCloser
}

// Open initialises the host drivers, opens busName ("" for the first bus)
// and probes the chip at addr.
func Open(busName string, addr uint16) (*DS3231, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}
	d := New(&i2c.Dev{Bus: bus, Addr: addr})
	d.bus = bus
	if _, err := d.LostPower(); err != nil {
		bus.Close()
		return nil, fmt.Errorf("probe ds3231 at 0x%02x: %w", addr, err)
	}
	return d, nil
}

// New wraps an already opened connection.
func New(c conn.Conn) *DS3231 {
	return &DS3231{c: c}
}

// Close releases the bus if Open created it.
func (d *DS3231) Close() error {
	if d.bus == nil {
		return nil
	}
	return d.bus.Close()
}

// Now reads the current time.
func (d *DS3231) Now() (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, timeRegSize)
	if err := d.c.Tx([]byte{regSeconds}, buf); err != nil {
		return time.Time{}, fmt.Errorf("read time registers: %w", err)
	}
	return decodeTime(buf)
}

// Adjust writes t (converted to UTC) and clears the oscillator-stop flag.
func (d *DS3231) Adjust(t time.Time) error {
	regs, err := encodeTime(t.UTC())
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.c.Tx(append([]byte{regSeconds}, regs...), nil); err != nil {
		return fmt.Errorf("write time registers: %w", err)
	}
	status, err := d.readStatus()
	if err != nil {
		return err
	}
	if err := d.c.Tx([]byte{regStatus, status &^ statusOSF}, nil); err != nil {
		return fmt.Errorf("clear oscillator flag: %w", err)
	}
	return nil
}

// LostPower reports whether the oscillator stopped since the last Adjust.
func (d *DS3231) LostPower() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, err := d.readStatus()
	if err != nil {
		return false, err
	}
	return status&statusOSF != 0, nil
}

func (d *DS3231) readStatus() (byte, error) {
	var b [1]byte
	if err := d.c.Tx([]byte{regStatus}, b[:]); err != nil {
		return 0, fmt.Errorf("read status register: %w", err)
	}
	return b[0], nil
}

func decodeTime(b []byte) (time.Time, error) {
	sec := fromBCD(b[0] & 0x7F)
	minute := fromBCD(b[1] & 0x7F)

	var hour int
	if b[2]&hour12 != 0 {
		hour = fromBCD(b[2]&0x1F) % 12
		if b[2]&hourPM != 0 {
			hour += 12
		}
	} else {
		hour = fromBCD(b[2] & 0x3F)
	}

	day := fromBCD(b[4] & 0x3F)
	month := fromBCD(b[5] & 0x1F)
	year := 2000 + fromBCD(b[6])
	if b[5]&centuryBit != 0 {
		year += 100
	}

	if sec > 59 || minute > 59 || hour > 23 || day < 1 || day > 31 || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid rtc registers % x", b)
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC), nil
}

func encodeTime(t time.Time) ([]byte, error) {
	if t.Year() < 2000 || t.Year() > 2199 {
		return nil, fmt.Errorf("year %d: %w", t.Year(), ErrOutOfRange)
	}
	y := t.Year() - 2000
	month := toBCD(int(t.Month()))
	if y >= 100 {
		y -= 100
		month |= centuryBit
	}
	return []byte{
		toBCD(t.Second()),
		toBCD(t.Minute()),
		toBCD(t.Hour()),
		byte(t.Weekday()) + 1,
		toBCD(t.Day()),
		month,
		toBCD(y),
	}, nil
}

func toBCD(n int) byte {
	return byte(n/10)<<4 | byte(n%10)
}

func fromBCD(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}
