// Package config loads and hot-reloads the adapter's YAML configuration
// file, following the config-manager pattern the pack's gateway/firewall
// tooling uses: a typed struct, a yaml.v3 unmarshal, and an fsnotify
// watcher that re-reads the file on change and applies only the
// attributes safe to change live.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the adapter's full configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Identity   IdentityConfig   `yaml:"identity"`
	TCPIP      TCPIPConfig      `yaml:"tcpip"`
	Assemblies []AssemblyConfig `yaml:"assemblies"`
	Pools      PoolConfig       `yaml:"pools"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig names the sockets the network handler opens: one TCP
// (explicit messaging), three UDP (unicast, local broadcast, global
// broadcast, per original_source/networkhandler.cc's g_sockets) and a
// fourth UDP socket for cyclic I/O, plus the metrics HTTP address.
type ListenConfig struct {
	TCPAddr            string `yaml:"tcp_addr"`
	UDPUnicastAddr     string `yaml:"udp_unicast_addr"`
	UDPLocalBcastAddr  string `yaml:"udp_local_broadcast_addr"`
	UDPGlobalBcastAddr string `yaml:"udp_global_broadcast_addr"`
	// UDPCyclicAddr is the socket Class 1 connected (cyclic I/O) datagrams
	// are produced from and consumed on, conventionally a different port
	// (2222) than the three discovery/explicit-messaging sockets above.
	UDPCyclicAddr string `yaml:"udp_cyclic_addr"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

// IdentityConfig mirrors the Identity object's public attributes
// (Vol1 5-2.3).
type IdentityConfig struct {
	VendorID     uint16 `yaml:"vendor_id"`
	DeviceType   uint16 `yaml:"device_type"`
	ProductCode  uint16 `yaml:"product_code"`
	MajorRev     uint8  `yaml:"major_revision"`
	MinorRev     uint8  `yaml:"minor_revision"`
	SerialNumber uint32 `yaml:"serial_number"`
	ProductName  string `yaml:"product_name"`
}

// TCPIPConfig mirrors the TCP/IP Interface object's configurable
// attributes (Vol1 5-3.2). InactivityTimeout and DefaultTTL are safe to
// hot-reload; the rest requires a restart.
type TCPIPConfig struct {
	HostName          string `yaml:"hostname"`
	DomainName        string `yaml:"domain_name"`
	DefaultTTL        uint8  `yaml:"default_ttl"`
	InactivityTimeout uint16 `yaml:"inactivity_timeout_sec"`
}

// AssemblyConfig describes one configured assembly instance.
type AssemblyConfig struct {
	InstanceID uint32 `yaml:"instance_id"`
	Size       int    `yaml:"size"`
	Direction  string `yaml:"direction"` // "input", "output", "config"
}

// PoolConfig sizes the Connection Manager's connection pools.
type PoolConfig struct {
	Class1Connections int `yaml:"class1_connections"`
	Class3Connections int `yaml:"class3_connections"`
}

// LiveReloadable attributes are the ones handed to OnLiveChange on
// reload. A change to the listen addresses, the assembly list or the pool
// sizes is reported as structural (restart required); a change to any
// other field (identity, hostname, domain name) is neither applied nor
// reported.
type LiveReloadable struct {
	LogLevel          string
	DefaultTTL        uint8
	InactivityTimeout uint16
}

func (c *Config) liveFields() LiveReloadable {
	return LiveReloadable{
		LogLevel:          c.LogLevel,
		DefaultTTL:        c.TCPIP.DefaultTTL,
		InactivityTimeout: c.TCPIP.InactivityTimeout,
	}
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// OnLiveChange is invoked with the newly-applied live-reloadable fields
// whenever the watched file changes.
type OnLiveChange func(live LiveReloadable, structuralChangeDetected bool)

// Watcher reloads path on change via fsnotify, applying only the
// attributes listed in LiveReloadable and reporting (via onChange)
// whether a structural (restart-requiring) field also changed.
type Watcher struct {
	mu      sync.RWMutex
	path    string
	current *Config
	watcher *fsnotify.Watcher
}

// NewWatcher starts watching path for changes. Call Close when done.
func NewWatcher(path string, initial *Config, onChange OnLiveChange) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: fsnotify: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, current: initial, watcher: fw}

	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.reload(onChange)
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}

func (w *Watcher) reload(onChange OnLiveChange) {
	next, err := Load(w.path)
	if err != nil {
		return // keep serving the last good config
	}

	w.mu.Lock()
	prev := w.current
	structural := prev.Listen != next.Listen || !assembliesEqual(prev.Assemblies, next.Assemblies) || prev.Pools != next.Pools
	w.current = next
	w.mu.Unlock()

	if onChange != nil {
		onChange(next.liveFields(), structural)
	}
}

func assembliesEqual(a, b []AssemblyConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }
