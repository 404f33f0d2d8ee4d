package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHexDumpEmpty(t *testing.T) {
	assert.Equal(t, "", HexDump(nil))
	assert.Equal(t, "", HexDump([]byte{}))
}

func TestHexDumpNonEmpty(t *testing.T) {
	dump := HexDump([]byte{0x0E, 0x00, 0x01, 0x02})
	assert.Contains(t, dump, "0e 00 01 02")
}

func TestHexDumpLinesStripsTrailingEmptyLine(t *testing.T) {
	lines := HexDumpLines([]byte{0x01, 0x02, 0x03})
	require := assert.New(t)
	require.NotEmpty(lines)
	require.NotEqual("", lines[len(lines)-1])
}

func TestByteToHex(t *testing.T) {
	assert.Equal(t, "0A", ByteToHex(0x0A))
	assert.Equal(t, "FF", ByteToHex(0xFF))
	assert.Equal(t, "00", ByteToHex(0x00))
}
