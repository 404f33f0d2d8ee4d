package cip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatsWithoutExtendedStatus(t *testing.T) {
	err := NewError(StatusServiceNotSupported)
	assert.Equal(t, "CIP Error: Status=0x08", err.Error())
}

func TestErrorFormatsWithExtendedStatus(t *testing.T) {
	err := NewExtendedError(StatusConnectionFailure, ExtStatusConnMgrNoMoreConns)
	assert.Contains(t, err.Error(), "Status=0x01")
	assert.Contains(t, err.Error(), "ExtStatus=")
}

func TestDataTypeArrayBitAndBase(t *testing.T) {
	arrayUint := TypeUINT | 0x8000
	assert.True(t, arrayUint.IsArray())
	assert.Equal(t, TypeUINT, arrayUint.Base())
	assert.False(t, TypeUINT.IsArray())
}

func TestDataTypeStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "UINT", TypeUINT.String())
	assert.Equal(t, "UINT[]", (TypeUINT | 0x8000).String())

	unknown := DataType(0x1234)
	assert.Contains(t, unknown.String(), "UNKNOWN")
}
