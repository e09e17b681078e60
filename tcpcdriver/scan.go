package tcpcdriver

import (
	"sync"

	"tinygo.org/x/drivers"
)

// Range of 7 bit addresses that are not reserved by the I2C standard.
const (
	firstScanAddr = 0x08
	lastScanAddr  = 0x77
)

// Scan probes every non reserved 7 bit address with a one byte read and
// returns the addresses that acknowledged. mu, when not nil, is held around
// each probe.
func Scan(i2c drivers.I2C, mu sync.Locker) []uint16 {
	var found []uint16
	var r [1]byte
	for addr := uint16(firstScanAddr); addr <= lastScanAddr; addr++ {
		if mu != nil {
			mu.Lock()
		}
		err := i2c.Tx(addr, nil, r[:])
		if mu != nil {
			mu.Unlock()
		}
		if err == nil {
			found = append(found, addr)
		}
	}
	return found
}
