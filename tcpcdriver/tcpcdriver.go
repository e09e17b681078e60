// Package tcpcdriver provides the building blocks shared by USB Type-C port
// controller drivers: a serialized register bus over I2C, the reset
// controller, the alert edge watcher and an I2C address scanner.
package tcpcdriver

import (
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/drivers"
)

// MaxBlock is the largest block that can be written in a single transaction.
const MaxBlock = 40

// ErrBlockTooLong is returned by WriteBlock if the block is larger than
// MaxBlock.
var ErrBlockTooLong = errors.New("tcpcdriver: block too long")

// BusError is returned when a register transaction failed twice in a row.
type BusError struct {
	Op   string
	Addr uint16
	Reg  uint8
	Err  error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("tcpcdriver: %s %#02x register %#02x: %v", e.Op, e.Addr, e.Reg, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// IsBusError returns true if err is or wraps a *BusError.
func IsBusError(err error) bool {
	var be *BusError
	return errors.As(err, &be)
}

// Bus gives register level access to a single device on an I2C bus. Every
// transaction is done while holding a lock which can be shared with the
// drivers of other devices on the same physical bus. A failed transaction is
// retried once before a *BusError is returned.
type Bus struct {
	i2c  drivers.I2C
	addr uint16
	mu   sync.Locker

	// Buffer used for writes, defined once here to avoid heap allocations in
	// each method. Protected by mu.
	buf [1 + MaxBlock]byte
}

// NewBus returns a register bus for the device at addr. If mu is nil, the bus
// uses a lock of its own.
func NewBus(i2c drivers.I2C, addr uint16, mu sync.Locker) *Bus {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Bus{i2c: i2c, addr: addr, mu: mu}
}

// Addr returns the I2C address of the device.
func (b *Bus) Addr() uint16 {
	return b.addr
}

// Read reads a single register.
func (b *Bus) Read(reg uint8) (byte, error) {
	var r [1]byte
	err := b.ReadBlock(reg, r[:])
	return r[0], err
}

// Write writes a single register.
func (b *Bus) Write(reg uint8, v byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf[0] = reg
	b.buf[1] = v
	return b.tx("write", reg, b.buf[:2], nil)
}

// ReadBlock reads len(p) consecutive registers starting at reg.
func (b *Bus) ReadBlock(reg uint8, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := [1]byte{reg}
	return b.tx("read", reg, w[:], p)
}

// WriteBlock writes p to consecutive registers starting at reg.
func (b *Bus) WriteBlock(reg uint8, p []byte) error {
	if len(p) > MaxBlock {
		return ErrBlockTooLong
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf[0] = reg
	copy(b.buf[1:], p)
	return b.tx("write", reg, b.buf[:len(p)+1], nil)
}

func (b *Bus) tx(op string, reg uint8, w, r []byte) error {
	err := b.i2c.Tx(b.addr, w, r)
	if err == nil {
		return nil
	}
	if err = b.i2c.Tx(b.addr, w, r); err == nil {
		return nil
	}
	return &BusError{Op: op, Addr: b.addr, Reg: reg, Err: err}
}
