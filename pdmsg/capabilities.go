package pdmsg

import "errors"

// Capabilities holds the power data objects of the most recent source
// capabilities message. Objects that failed to decode are left out, but the
// remaining objects keep their original positions.
type Capabilities struct {
	pdos [MaxDataObjects]PDO
	n    uint8
}

// Replace discards the current objects and decodes words in their place. The
// first word is at position 1. Objects which fail to decode are skipped and
// all decode errors are returned joined together; the capabilities remain
// usable with the valid objects.
func (c *Capabilities) Replace(words []uint32) error {
	c.n = 0
	if len(words) > MaxDataObjects {
		words = words[:MaxDataObjects]
	}
	var errs []error
	for i, w := range words {
		p, err := Decode(w, uint8(i)+1)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.pdos[c.n] = p
		c.n++
	}
	return errors.Join(errs...)
}

// Reset removes all objects.
func (c *Capabilities) Reset() {
	c.n = 0
}

// Len returns the number of valid objects.
func (c *Capabilities) Len() int {
	return int(c.n)
}

// All returns the valid objects in position order. The returned slice is only
// valid until the next call to Replace.
func (c *Capabilities) All() []PDO {
	return c.pdos[:c.n]
}

// Lookup returns the object at the given 1 based position.
func (c *Capabilities) Lookup(position uint8) (PDO, bool) {
	for _, p := range c.pdos[:c.n] {
		if p.Position == position {
			return p, true
		}
	}
	return PDO{}, false
}

// HasType returns true if at least one object of type t is present.
func (c *Capabilities) HasType(t PDOType) bool {
	for _, p := range c.pdos[:c.n] {
		if p.Type == t {
			return true
		}
	}
	return false
}
