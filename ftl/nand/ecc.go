package ftlnand

import "github.com/ucfs/ucfs/errors"

// ECC is a pluggable error-correction capability
// ("pluggable extension... e.g. Hamming single-bit"): a codec for one fixed
// codeword size, returning parity bytes to store alongside the data and
// later checking/repairing a codeword read back from the chip.
type ECC interface {
	// CodewordSize is the number of data bytes one call to Encode/Decode
	// covers.
	CodewordSize() int
	// ParitySize is the number of parity bytes Encode produces.
	ParitySize() int
	// Encode computes parity for a codeword-sized chunk of data.
	Encode(data []byte) []byte
	// Decode checks data against parity, correcting a single-bit error in
	// place and returning errors.ErrECCCorrected, reporting
	// errors.ErrECCUncorrectable if more than one bit is wrong, or nil if
	// data was already consistent with parity.
	Decode(data, parity []byte) error
}

// HammingSECDED is a single-error-correcting, double-error-detecting code
// over one codeword, modeled on the "Hamming single-bit" extension and
// grounded on the classic extended-Hamming
// construction (parity bits at power-of-two bit positions, plus one overall
// parity bit for double-error detection) rather than any retrieved
// source — no ECC library or sample appears anywhere in the retrieval pack,
// so this is new code built directly from the well-known algorithm by name.
type HammingSECDED struct {
	dataBits int
}

// NewHammingSECDED builds a HammingSECDED codec over codewordBytes of data.
func NewHammingSECDED(codewordBytes int) *HammingSECDED {
	return &HammingSECDED{dataBits: codewordBytes * 8}
}

func (h *HammingSECDED) CodewordSize() int { return h.dataBits / 8 }

// parityBitCount returns the smallest p with 2^p >= dataBits+p+1.
func (h *HammingSECDED) parityBitCount() int {
	p := 0
	for (1 << p) < h.dataBits+p+1 {
		p++
	}
	return p
}

// ParitySize returns enough bytes to hold the parity bits plus the one
// overall SECDED parity bit.
func (h *HammingSECDED) ParitySize() int {
	return (h.parityBitCount() + 1 + 7) / 8
}

func getBit(data []byte, pos int) int {
	return int((data[pos/8] >> uint(pos%8)) & 1)
}

func setBit(data []byte, pos int, v int) {
	mask := byte(1) << uint(pos%8)
	if v != 0 {
		data[pos/8] |= mask
	} else {
		data[pos/8] &^= mask
	}
}

// dataBitAt maps a 1-based Hamming bit position (data+parity interleaved)
// to the data bit it reads, or -1 if that position holds a parity bit.
func (h *HammingSECDED) dataBitAt(pos int) int {
	// pos is 1-based. Parity bits occupy positions that are exact powers of
	// two; everything else is data, numbered in order of appearance.
	dataIdx := 0
	for p := 1; p <= pos; p++ {
		if p&(p-1) == 0 {
			continue // power of two: parity position
		}
		if p == pos {
			return dataIdx
		}
		dataIdx++
	}
	return -1
}

func (h *HammingSECDED) totalBits() int {
	return h.dataBits + h.parityBitCount()
}

// Encode computes the Hamming parity bits plus one overall SECDED parity
// bit, packed as a little-endian bit sequence: parity bits followed by the
// overall parity bit as the final bit.
func (h *HammingSECDED) Encode(data []byte) []byte {
	n := h.totalBits()
	parity := make([]byte, h.ParitySize())

	for p := 0; (1 << p) <= n; p++ {
		bitPos := 1 << p
		var acc int
		for pos := bitPos; pos <= n; pos += bitPos * 2 {
			for k := pos; k < pos+bitPos && k <= n; k++ {
				if di := h.dataBitAt(k); di >= 0 {
					acc ^= getBit(data, di)
				}
			}
		}
		setBit(parity, p, acc)
	}

	overall := 0
	for i := 0; i < h.dataBits; i++ {
		overall ^= getBit(data, i)
	}
	for p := 0; p < h.parityBitCount(); p++ {
		overall ^= getBit(parity, p)
	}
	setBit(parity, h.parityBitCount(), overall)
	return parity
}

// Decode recomputes the syndrome from data+parity, correcting a single-bit
// error in data when the overall parity bit also disagrees (SECDED: a
// syndrome with the overall bit consistent but nonzero is uncorrectable).
func (h *HammingSECDED) Decode(data, parity []byte) error {
	n := h.totalBits()
	syndrome := 0

	for p := 0; (1 << p) <= n; p++ {
		bitPos := 1 << p
		var acc int
		for pos := bitPos; pos <= n; pos += bitPos * 2 {
			for k := pos; k < pos+bitPos && k <= n; k++ {
				if di := h.dataBitAt(k); di >= 0 {
					acc ^= getBit(data, di)
				}
			}
		}
		acc ^= getBit(parity, p)
		if acc != 0 {
			syndrome |= bitPos
		}
	}

	overall := 0
	for i := 0; i < h.dataBits; i++ {
		overall ^= getBit(data, i)
	}
	for p := 0; p < h.parityBitCount(); p++ {
		overall ^= getBit(parity, p)
	}
	overall ^= getBit(parity, h.parityBitCount())

	if syndrome == 0 && overall == 0 {
		return nil
	}
	if syndrome == 0 && overall != 0 {
		// Only the overall parity bit itself disagrees: a single-bit flip
		// outside the Hamming syndrome's coverage, data is unaffected.
		return errors.ErrECCCorrected
	}
	if overall == 0 {
		// Nonzero syndrome but consistent overall parity: two bits differ,
		// uncorrectable.
		return errors.ErrECCUncorrectable
	}

	// Single-bit error at Hamming position `syndrome` (1-based).
	if syndrome >= 1 && syndrome <= n {
		if di := h.dataBitAt(syndrome); di >= 0 {
			setBit(data, di, getBit(data, di)^1)
		}
		// else: the error is in a parity bit itself; data is unaffected.
		return errors.ErrECCCorrected
	}
	return errors.ErrECCUncorrectable
}
