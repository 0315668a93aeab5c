package pack

import (
	"bytes"
	"fmt"
)

// copy/insert opcode bit layout, per Git's patch-delta format: the high bit
// of the command byte selects copy-from-base (with variable-width offset
// and size fields named by their set bits) versus insert-literal (where the
// command byte is itself the literal length).
const cmdCopyBit = 0x80

var offsetShifts = [4]uint{0, 8, 16, 24}
var sizeShifts = [3]uint{0, 8, 16}

// ApplyDelta reconstructs a target object from a base and a delta payload
// of the form: LEB128(srcSize) LEB128(targetSize) then a sequence of copy
// and insert opcodes.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	srcSize, delta, err := decodeLEB128(delta)
	if err != nil {
		return nil, fmt.Errorf("%w: delta src size: %v", ErrInvalidDelta, err)
	}
	if srcSize != uint64(len(base)) {
		return nil, fmt.Errorf("%w: base size mismatch", ErrInvalidDelta)
	}

	targetSize, delta, err := decodeLEB128(delta)
	if err != nil {
		return nil, fmt.Errorf("%w: delta target size: %v", ErrInvalidDelta, err)
	}

	var out bytes.Buffer
	out.Grow(int(targetSize))

	for len(delta) > 0 {
		cmd := delta[0]
		delta = delta[1:]

		if cmd&cmdCopyBit != 0 {
			var srcOffset, copySize uint64
			for i, shift := range offsetShifts {
				if cmd&(1<<uint(i)) != 0 {
					if len(delta) == 0 {
						return nil, fmt.Errorf("%w: truncated copy offset", ErrInvalidDelta)
					}
					srcOffset |= uint64(delta[0]) << shift
					delta = delta[1:]
				}
			}
			for i, shift := range sizeShifts {
				if cmd&(1<<uint(i+4)) != 0 {
					if len(delta) == 0 {
						return nil, fmt.Errorf("%w: truncated copy size", ErrInvalidDelta)
					}
					copySize |= uint64(delta[0]) << shift
					delta = delta[1:]
				}
			}
			if copySize == 0 {
				copySize = 0x10000
			}
			if srcOffset+copySize > uint64(len(base)) {
				return nil, fmt.Errorf("%w: copy reads past base", ErrInvalidDelta)
			}
			out.Write(base[srcOffset : srcOffset+copySize])
		} else if cmd != 0 {
			insertSize := int(cmd)
			if len(delta) < insertSize {
				return nil, fmt.Errorf("%w: truncated insert", ErrInvalidDelta)
			}
			out.Write(delta[:insertSize])
			delta = delta[insertSize:]
		} else {
			return nil, fmt.Errorf("%w: zero opcode", ErrInvalidDelta)
		}
	}

	if uint64(out.Len()) != targetSize {
		return nil, fmt.Errorf("%w: target size mismatch", ErrInvalidDelta)
	}
	return out.Bytes(), nil
}

func decodeLEB128(b []byte) (uint64, []byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("truncated varint")
	}
	var val uint64
	shift := uint(0)
	for {
		if len(b) == 0 {
			return 0, nil, fmt.Errorf("truncated varint")
		}
		c := b[0]
		b = b[1:]
		val |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			break
		}
		shift += 7
	}
	return val, b, nil
}
