package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DeviceStore persists per-device configuration as one YAML file per device.
// Devices seen for the first time receive a copy of the configured defaults.
// It is safe for concurrent use.
type DeviceStore struct {
	dir      string
	defaults DeviceConfig

	mu    sync.Mutex
	cache map[string]*DeviceConfig
}

// NewDeviceStore creates a store rooted at cfg.Dir, creating the directory
// if it does not exist.
func NewDeviceStore(cfg DevicesConfig) (*DeviceStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create device dir %q: %w", cfg.Dir, err)
	}
	return &DeviceStore{
		dir:      cfg.Dir,
		defaults: cfg.Defaults,
		cache:    make(map[string]*DeviceConfig),
	}, nil
}

// Get returns the configuration for the given device ID (its MAC address).
// If no file exists yet, the defaults are written to disk and returned.
// The returned value is a copy; mutations do not affect the store.
func (s *DeviceStore) Get(deviceID string) (DeviceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dc, ok := s.cache[deviceID]; ok {
		return cloneDeviceConfig(dc), nil
	}

	path := s.pathFor(deviceID)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		dc := cloneDeviceConfig(&s.defaults)
		if err := s.writeLocked(deviceID, &dc); err != nil {
			return DeviceConfig{}, err
		}
		return cloneDeviceConfig(s.cache[deviceID]), nil
	case err != nil:
		return DeviceConfig{}, fmt.Errorf("config: read device %q: %w", deviceID, err)
	}

	dc := DeviceConfig{}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&dc); err != nil {
		return DeviceConfig{}, fmt.Errorf("config: parse device %q: %w", deviceID, err)
	}
	applyVolumeDefaults(&dc.Volume)
	s.cache[deviceID] = &dc
	return cloneDeviceConfig(&dc), nil
}

// Put validates and persists dc for the given device, keeping the previous
// file contents as a ".bak" sibling.
func (s *DeviceStore) Put(deviceID string, dc DeviceConfig) error {
	if err := validateVolume("volume", dc.Volume); err != nil {
		return fmt.Errorf("config: device %q: %w", deviceID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(deviceID, &dc)
}

// List returns the IDs of all devices with a stored configuration.
func (s *DeviceStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("config: list devices: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		ids = append(ids, strings.ReplaceAll(id, "_", ":"))
	}
	return ids, nil
}

func (s *DeviceStore) writeLocked(deviceID string, dc *DeviceConfig) error {
	path := s.pathFor(deviceID)

	if prev, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", prev, 0o644); err != nil {
			return fmt.Errorf("config: back up device %q: %w", deviceID, err)
		}
	}

	data, err := yaml.Marshal(dc)
	if err != nil {
		return fmt.Errorf("config: marshal device %q: %w", deviceID, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write device %q: %w", deviceID, err)
	}
	stored := cloneDeviceConfig(dc)
	s.cache[deviceID] = &stored
	return nil
}

// pathFor maps a device ID to its file path. MAC address colons are not
// filesystem-friendly on all platforms, so they become underscores.
func (s *DeviceStore) pathFor(deviceID string) string {
	name := strings.ReplaceAll(deviceID, ":", "_")
	return filepath.Join(s.dir, name+".yaml")
}

func cloneDeviceConfig(dc *DeviceConfig) DeviceConfig {
	out := *dc
	out.Workflows = append([]string(nil), dc.Workflows...)
	return out
}
