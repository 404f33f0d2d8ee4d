package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cip-forge/enip-adapter/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Listen: config.ListenConfig{TCPAddr: "0.0.0.0:44818"},
		Assemblies: []config.AssemblyConfig{
			{InstanceID: 100, Size: 4, Direction: "output"},
			{InstanceID: 101, Size: 4, Direction: "input"},
		},
		Pools: config.PoolConfig{Class1Connections: 4, Class3Connections: 4},
	}
}

func TestValidateConfigAccepsWellFormedConfig(t *testing.T) {
	require.NoError(t, validateConfig(validConfig()))
}

func TestValidateConfigRequiresTCPAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Listen.TCPAddr = ""
	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen.tcp_addr")
}

func TestValidateConfigRejectsDuplicateAssemblyInstance(t *testing.T) {
	cfg := validConfig()
	cfg.Assemblies = append(cfg.Assemblies, config.AssemblyConfig{InstanceID: 100, Size: 2})
	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate assembly instance id 100")
}

func TestValidateConfigRejectsNonPositiveAssemblySize(t *testing.T) {
	cfg := validConfig()
	cfg.Assemblies[0].Size = 0
	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size must be positive")
}

func TestValidateConfigRejectsNegativePoolSizes(t *testing.T) {
	cfg := validConfig()
	cfg.Pools.Class3Connections = -1
	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool sizes must not be negative")
}
