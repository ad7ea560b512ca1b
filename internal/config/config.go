// Package config loads and hot-reloads the proxy's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hsuehic/anyproxy/internal/perror"
)

// ProxyType selects whether the outer listening socket speaks plain HTTP
// or terminates TLS itself.
type ProxyType string

const (
	TypeHTTP  ProxyType = "http"
	TypeHTTPS ProxyType = "https"
)

// Config is the full proxy configuration, loaded from YAML.
type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	CA       CAConfig       `yaml:"ca"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Log      LogConfig      `yaml:"log"`
}

// ProxyConfig holds the listening/dispatch settings.
type ProxyConfig struct {
	Listen string    `yaml:"listen"`
	Type   ProxyType `yaml:"type"`
	// Hostname is required when Type is TypeHTTPS: it is the name the
	// proxy's own outer TLS socket presents, and the leaf the Cert Cache
	// issues for it.
	Hostname string `yaml:"hostname"`
	// LocalHosts are the proxy's own addresses; requests whose Host
	// header/authority match one of these are routed to the embedded
	// application handler instead of being forwarded upstream.
	LocalHosts []string `yaml:"local_hosts"`
	// ForceProxyHttps, when true, ignores any Rule.BeforeDealHttpsRequest
	// hook and always MITMs CONNECT targets.
	ForceProxyHttps bool `yaml:"force_proxy_https"`
	// MitmIdleTimeout bounds how long an unreferenced MITM listener is
	// kept alive before it is torn down (recommended >= 60s).
	MitmIdleTimeout time.Duration `yaml:"mitm_idle_timeout"`
}

// CAConfig supplies the subject attributes used when generating the root
// CA and the on-disk location of its key/cert.
type CAConfig struct {
	Dir                string `yaml:"dir"`
	Country            string `yaml:"country"`
	Organization       string `yaml:"organization"`
	State              string `yaml:"state"`
	OrganizationalUnit string `yaml:"organizational_unit"`
}

// UpstreamConfig holds dial/idle timeouts for outbound connections.
type UpstreamConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// InsecureSkipVerify disables certificate verification when the
	// dispatcher re-originates TLS to an intercepted upstream. Only
	// intended for upstreams behind an internal CA the host doesn't trust.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	FileOnly bool   `yaml:"file_only"`
}

var defaultConfig = Config{
	Proxy: ProxyConfig{
		Listen:          "127.0.0.1:8080",
		Type:            TypeHTTP,
		LocalHosts:      []string{"127.0.0.1", "localhost"},
		ForceProxyHttps: false,
		MitmIdleTimeout: 90 * time.Second,
	},
	CA: CAConfig{
		Dir:                filepath.Join(homeDir(), ".anyproxy", "certificates"),
		Country:            "US",
		Organization:       "AnyProxy",
		State:              "California",
		OrganizationalUnit: "AnyProxy CA",
	},
	Upstream: UpstreamConfig{
		DialTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	},
	Log: LogConfig{
		Level: "info",
		File:  "",
	},
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	return os.Getenv("USERPROFILE")
}

// GetConfigDir returns ~/.anyproxy, the directory whose "certificates"
// subdirectory is the default CA location.
func GetConfigDir() string {
	return filepath.Join(homeDir(), ".anyproxy")
}

// Validate implements the fatal-at-start checks. recorderSet
// records whether a (possibly nil) recorder was explicitly supplied by the
// caller, since a recorder is a required collaborator unless null is
// explicitly permitted.
func (c Config) Validate(recorderSet bool, caExists bool) error {
	if strings.TrimSpace(c.Proxy.Listen) == "" {
		return perror.New(perror.ConfigInvalid, "proxy.listen is required")
	}
	_, portStr, err := net.SplitHostPort(c.Proxy.Listen)
	if err != nil {
		return perror.Wrap(perror.ConfigInvalid, "proxy.listen must be host:port", err)
	}
	if port, perr := strconv.Atoi(portStr); perr != nil || port <= 0 {
		return perror.New(perror.ConfigInvalid, "proxy.listen port must be a positive integer")
	}
	if c.Proxy.Type != TypeHTTP && c.Proxy.Type != TypeHTTPS {
		return perror.New(perror.ConfigInvalid, fmt.Sprintf("proxy.type must be %q or %q", TypeHTTP, TypeHTTPS))
	}
	if c.Proxy.Type == TypeHTTPS && strings.TrimSpace(c.Proxy.Hostname) == "" {
		return perror.New(perror.ConfigInvalid, "proxy.hostname is required when proxy.type=https")
	}
	if c.Proxy.ForceProxyHttps && !caExists {
		return perror.New(perror.ConfigInvalid, "proxy.force_proxy_https requires an existing root CA")
	}
	if !recorderSet {
		return perror.New(perror.ConfigInvalid, "a recorder collaborator must be supplied, or null explicitly permitted")
	}
	return nil
}

// Manager owns the loaded configuration and an optional hot-reload watch.
type Manager struct {
	mu         sync.RWMutex
	config     Config
	configPath string
	watcher    *fsnotify.Watcher
}

// NewManager returns a Manager seeded with defaults.
func NewManager() *Manager {
	return &Manager{config: defaultConfig}
}

// Load reads cfgFile (YAML) over the defaults. An empty path or a missing
// file is not an error: defaults apply.
func Load(cfgFile string) (*Manager, error) {
	m := NewManager()
	if cfgFile != "" {
		if abs, err := filepath.Abs(cfgFile); err == nil {
			cfgFile = abs
		}
	}
	m.configPath = cfgFile
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) reload() error {
	cfg := defaultConfig
	if m.configPath != "" {
		data, err := os.ReadFile(m.configPath)
		if err == nil {
			if uerr := yaml.Unmarshal(data, &cfg); uerr != nil {
				return uerr
			}
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Watch begins watching the config file's directory for changes, invoking
// onChange after each successful reload. Listen address changes are never
// hot-applied (the listener binds once at start); callers should warn and
// ignore such a change rather than re-bind.
func (m *Manager) Watch(onChange func(Config)) error {
	if m.configPath == "" {
		return nil
	}
	m.mu.Lock()
	if m.watcher != nil {
		m.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.watcher = watcher
	dir := filepath.Dir(m.configPath)
	m.mu.Unlock()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(m.configPath)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				slog.Info("config file changed, reloading", "path", target)
				if err := m.reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
					continue
				}
				if onChange != nil {
					onChange(m.Get())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the config watcher, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
