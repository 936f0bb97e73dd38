package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum_Deterministic(t *testing.T) {
	a := Sum([]byte("alpha"))
	b := Sum([]byte("alpha"))
	c := Sum([]byte("beta"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
	assert.True(t, Digest{}.IsZero())
	assert.Len(t, a.String(), 2*DigestSize)
}

func TestCRC32C_Streaming(t *testing.T) {
	data := []byte("segment image bytes")

	h := NewCRC32C()
	_, _ = h.Write(data[:7])
	_, _ = h.Write(data[7:])

	assert.Equal(t, CRC32C(data), h.Sum32())
}
