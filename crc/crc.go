// Package crc implements the reflected CRC engines used by the MoaT bus:
// an 11-bit CRC over wire symbols, a 16-bit CRC over serial framer bytes,
// and the two byte-level CRCs (CRC-8 MAXIM, CRC-16-MAXIM) that the wire
// protocol defines but does not use on its own transmit path.
package crc

// Wire11Poly is the reversed generator polynomial for the 11-bit wire CRC.
const Wire11Poly = 0x583

// Serial16Poly is the reversed generator polynomial for the MoaT serial
// framer's CRC-16.
const Serial16Poly = 0xAC9A

// Maxim8Poly is the reversed generator polynomial for CRC-8 MAXIM (1-wire
// DOW-CRC). Defined for completeness; not used by the bus handler's own
// transmit path.
const Maxim8Poly = 0x8c

// Maxim16Poly is the reversed generator polynomial for CRC-16-MAXIM.
// Defined for completeness; not used by the bus handler's own transmit path.
const Maxim16Poly = 0xA001

// Wire11Table holds, for a given wire width w, the 2^w reflected reductions
// of a w-bit chunk through the 11-bit wire polynomial. Indexed
// table[value]; wireTables holds one such table per width w.
type Wire11Table [1 << 5]uint16

// wireTables is precomputed at package init for every wire width the bus
// handler supports (W in 2..5); index 0 and 1 are unused placeholders.
var wireTables [6]Wire11Table

func init() {
	for w := 2; w <= 5; w++ {
		buildWire11Table(w, &wireTables[w])
	}
}

// buildWire11Table fills table[0:1<<w] with the reflected reduction of each
// w-bit value through Wire11Poly, simulating w single-bit LFSR steps per
// entry (the standard sliced-table CRC construction generalized to
// sub-byte chunk widths).
func buildWire11Table(w int, table *Wire11Table) {
	size := 1 << uint(w)
	for i := 0; i < size; i++ {
		c := uint16(i)
		for b := 0; b < w; b++ {
			if c&1 == 1 {
				c = (c >> 1) ^ Wire11Poly
			} else {
				c >>= 1
			}
		}
		table[i] = c
	}
}

// Wire11TableFor returns the precomputed table for wire width w (2..5).
func Wire11TableFor(w int) *Wire11Table {
	return &wireTables[w]
}

// UpdateWire11 folds one w-bit wire value into the running 11-bit CRC
// register. Per spec.md §4.2, the register is XORed with the
// arbitration-winning wire value (current_prio) before each update so the
// CRC is independent of which priority wire won arbitration; callers pass
// that already-XORed value in as `value`.
func UpdateWire11(crcReg uint16, value uint8, w int) uint16 {
	table := wireTables[w]
	idx := (crcReg ^ uint16(value)) & uint16((1<<uint(w))-1)
	return (crcReg >> uint(w)) ^ table[idx]
}

// Serial16Table is the standard byte-wide reflected CRC table.
type Serial16Table [256]uint16

var serial16Table Serial16Table

func init() {
	buildByteTable16(Serial16Poly, &serial16Table)
}

func buildByteTable16(poly uint16, table *Serial16Table) {
	for i := 0; i < 256; i++ {
		c := uint16(i)
		for b := 0; b < 8; b++ {
			if c&1 == 1 {
				c = (c >> 1) ^ poly
			} else {
				c >>= 1
			}
		}
		table[i] = c
	}
}

// Serial16 computes the MoaT serial framer's CRC-16 over data, seeded at 0.
func Serial16(data []byte) uint16 {
	return UpdateSerial16(0, data)
}

// UpdateSerial16 folds data into a running serial CRC-16 register.
func UpdateSerial16(crcReg uint16, data []byte) uint16 {
	for _, b := range data {
		idx := byte(crcReg) ^ b
		crcReg = (crcReg >> 8) ^ serial16Table[idx]
	}
	return crcReg
}

// maxim16Table backs CRC-16-MAXIM, a byte-level CRC the wire protocol
// defines but the core handler never computes on its own transmit path
// (reserved for higher MoaT layers' long bus messages).
var maxim16Table Serial16Table

func init() {
	buildByteTable16(Maxim16Poly, &maxim16Table)
}

// Maxim8 computes CRC-8 MAXIM (1-wire DOW-CRC) over data, seeded at 0. Off
// the bus handler's hot path, so this stays a plain bitwise reduction
// rather than earning its own sliced table.
func Maxim8(data []byte) uint8 {
	c := uint8(0)
	for _, b := range data {
		c ^= b
		for i := 0; i < 8; i++ {
			if c&1 == 1 {
				c = (c >> 1) ^ Maxim8Poly
			} else {
				c >>= 1
			}
		}
	}
	return c
}

// Maxim16 computes CRC-16-MAXIM over data, seeded at 0.
func Maxim16(data []byte) uint16 {
	crcReg := uint16(0)
	for _, b := range data {
		idx := byte(crcReg) ^ b
		crcReg = (crcReg >> 8) ^ maxim16Table[idx]
	}
	return crcReg
}
