package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewValidLevel(t *testing.T) {
	log, err := New("debug")
	require.NoError(t, err)
	require.NotNil(t, log)
	log.Debugf("test %d", 1)
	log.Infof("test %d", 2)
	log.Warnf("test %d", 3)
	log.Errorf("test %d", 4)
}

func TestNewUnrecognizedLevelFallsBackToInfo(t *testing.T) {
	log, err := New("not-a-real-level")
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestWithReturnsIndependentLogger(t *testing.T) {
	log, err := New("info")
	require.NoError(t, err)

	scoped := log.With(zap.String("component", "test"))
	assert.NotNil(t, scoped)
	scoped.Infof("scoped message")
}

func TestNopDiscardsEverything(t *testing.T) {
	log := Nop()
	require.NotNil(t, log)
	log.Debugf("discarded")
	log.Infof("discarded")
	log.Warnf("discarded")
	log.Errorf("discarded")
}
