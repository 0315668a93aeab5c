package pack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeLEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func TestApplyDeltaCopyAndInsert(t *testing.T) {
	base := []byte("hello")
	var delta []byte
	delta = append(delta, encodeLEB128(uint64(len(base)))...)
	target := []byte("hello world")
	delta = append(delta, encodeLEB128(uint64(len(target)))...)
	// copy base[0:5]
	delta = append(delta, 0x80|0x10, 5)
	// insert " world"
	insert := []byte(" world")
	delta = append(delta, byte(len(insert)))
	delta = append(delta, insert...)

	got, err := ApplyDelta(base, delta)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestApplyDeltaRejectsBaseSizeMismatch(t *testing.T) {
	base := []byte("hello")
	var delta []byte
	delta = append(delta, encodeLEB128(999)...)
	delta = append(delta, encodeLEB128(0)...)
	_, err := ApplyDelta(base, delta)
	require.ErrorIs(t, err, ErrInvalidDelta)
}

func TestApplyDeltaRejectsCopyPastBase(t *testing.T) {
	base := []byte("hi")
	var delta []byte
	delta = append(delta, encodeLEB128(uint64(len(base)))...)
	delta = append(delta, encodeLEB128(10)...)
	delta = append(delta, 0x80|0x10, 10) // copy 10 bytes from a 2-byte base
	_, err := ApplyDelta(base, delta)
	require.ErrorIs(t, err, ErrInvalidDelta)
}

func TestApplyDeltaRejectsTargetSizeMismatch(t *testing.T) {
	base := []byte("hi")
	var delta []byte
	delta = append(delta, encodeLEB128(uint64(len(base)))...)
	delta = append(delta, encodeLEB128(100)...)
	delta = append(delta, byte(2), 'h', 'i') // insert only 2 bytes, declared 100
	_, err := ApplyDelta(base, delta)
	require.ErrorIs(t, err, ErrInvalidDelta)
}
