package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C(t *testing.T) {
	data := []byte("snapshot-1")

	h := NewCRC32C()
	_, _ = h.Write(data[:4])
	_, _ = h.Write(data[4:])

	assert.Equal(t, CRC32C(data), h.Sum32())
	assert.Equal(t, CRC32C(data), UpdateCRC32C(CRC32C(data[:4]), data[4:]))
	assert.NotEqual(t, CRC32C(data), CRC32C([]byte("snapshot-2")))
}
