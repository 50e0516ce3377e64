// Package config handles Reactor configuration loading: the YAML file
// format, environment-variable expansion, defaulting, and validation
// for the configured inputs spec.md §6 names (CreateReactorOptions,
// ReactorConnectOptions, ConnectOptions, ServiceDiscoveryOptions).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid picking up real
// config files from the machine running the test.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An explicit
// path (from a -config flag) is checked first by FindConfig; otherwise
// ./reactor.yaml, ~/.config/omm-reactor/reactor.yaml, then
// /etc/omm-reactor/reactor.yaml are tried in order.
func DefaultSearchPaths() []string {
	paths := []string{"reactor.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "omm-reactor", "reactor.yaml"))
	}

	paths = append(paths, "/etc/omm-reactor/reactor.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise searchPathsFunc is searched in order and the first
// existing path wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// ReactorConfig is the top-level configuration for a Reactor instance.
// It holds spec.md §6's CreateReactorOptions plus the sessions each
// consuming process opens.
type ReactorConfig struct {
	// TokenServiceURL is required; Load fails if empty (spec.md §6).
	TokenServiceURL string `yaml:"token_service_url"`
	// ServiceDiscoveryURL is required; Load fails if empty (spec.md §6).
	ServiceDiscoveryURL string `yaml:"service_discovery_url"`
	// MaxEventsInPool is the soft ceiling on pooled event objects (§4.2).
	MaxEventsInPool int `yaml:"max_events_in_pool"`
	// DispatchMaxMessages bounds how many messages one Dispatch(timeout)
	// call processes before returning leftover work (§5).
	DispatchMaxMessages int `yaml:"dispatch_max_messages"`
	// LogLevel selects the slog level: trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// DiagnosticsDB is the sqlite path backing internal/diagnostics.
	// Empty disables the audit trail.
	DiagnosticsDB string `yaml:"diagnostics_db"`
	// MetricsAddr, when non-empty, is the bind address for the
	// Prometheus /metrics endpoint served by internal/metrics.
	MetricsAddr string `yaml:"metrics_addr"`
	// Discovery configures the shared credential/discovery client.
	Discovery ServiceDiscoveryOptions `yaml:"discovery"`
	// Sessions is the set of logical consumer sessions this process
	// manages, each aggregating one or more channels (spec.md §3).
	Sessions []SessionConfig `yaml:"sessions"`
}

// SessionConfig configures one Session (spec.md §3 "Session").
type SessionConfig struct {
	Name        string              `yaml:"name"`
	Connections []ConnectInfo       `yaml:"connections"`
	Reconnect   ReconnectPolicy     `yaml:"reconnect"`
	Preferred   PreferredHostConfig `yaml:"preferred_host"`
	// DictionaryDownload selects internal/bootstrap's auto-dictionary
	// behavior for every channel in this session (spec.md §4.5
	// scenario 2): "none" (default) or "first_available", meaning each
	// channel's bootstrap requests the dictionaries advertised by the
	// first service in its own directory response that lists any.
	// Downloads are not shared between the session's channels.
	DictionaryDownload string `yaml:"dictionary_download"`
}

// ConnectInfo is one entry of ReactorConnectOptions.reactorConnectionList
// (spec.md §6): a transport configuration plus the per-connect-info
// fields layered on top of it.
type ConnectInfo struct {
	Channel                 ConnectOptions `yaml:"channel"`
	EnableSessionManagement bool           `yaml:"enable_session_management"`
	Location                string         `yaml:"location"`
	Credentials             *Credentials   `yaml:"credentials,omitempty"`
}

// ConnectOptions mirrors spec.md §6's ConnectOptions field list.
type ConnectOptions struct {
	HostName                string            `yaml:"host_name"`
	Port                    string            `yaml:"port"`
	ServiceName             string            `yaml:"service_name"`
	ObjectName              string            `yaml:"object_name"`
	ConnectionType          ConnectionType    `yaml:"connection_type"`
	InterfaceName           string            `yaml:"interface_name"`
	CompressionType         string            `yaml:"compression_type"`
	TCPNoDelay              bool              `yaml:"tcp_nodelay"`
	PingTimeout             time.Duration     `yaml:"ping_timeout"`
	InitializationTimeout   time.Duration     `yaml:"initialization_timeout"`
	NumInputBuffers         int               `yaml:"num_input_buffers"`
	GuaranteedOutputBuffers int               `yaml:"guaranteed_output_buffers"`
	SysSendBufSize          int               `yaml:"sys_send_buf_size"`
	SysRecvBufSize          int               `yaml:"sys_recv_buf_size"`
	Proxy                   ProxyOptions      `yaml:"proxy"`
	Encryption              EncryptionOptions `yaml:"encryption"`
	WSProtocols             []string          `yaml:"ws_protocols"`
	WSMaxMsgSize            int               `yaml:"ws_max_msg_size"`
	Multicast               MulticastOptions  `yaml:"multicast"`
}

// Clone returns a deep copy of o, sharing no backing storage with the
// original. This is the behavior spec.md §8's ConnectDeepCopy round
// trip exercises: mutating the clone's slices must not affect o.
func (o ConnectOptions) Clone() ConnectOptions {
	c := o
	if o.WSProtocols != nil {
		c.WSProtocols = make([]string, len(o.WSProtocols))
		copy(c.WSProtocols, o.WSProtocols)
	}
	return c
}

// ConnectionType enumerates the transport kinds spec.md §3 lists.
type ConnectionType string

const (
	ConnectionPlainSocket       ConnectionType = "plain-socket"
	ConnectionHTTP              ConnectionType = "http"
	ConnectionEncrypted         ConnectionType = "encrypted"
	ConnectionReliableMulticast ConnectionType = "reliable-multicast"
	ConnectionWebsocket         ConnectionType = "websocket"
)

// ProxyOptions configures an outbound proxy.
type ProxyOptions struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

// EncryptionOptions configures TLS for the encrypted connection type.
type EncryptionOptions struct {
	MinVersion string `yaml:"min_version"`
	MaxVersion string `yaml:"max_version"`
}

// MulticastOptions configures the reliable-multicast connection type.
type MulticastOptions struct {
	RecvAddress    string `yaml:"recv_address"`
	RecvPort       string `yaml:"recv_port"`
	SendAddress    string `yaml:"send_address"`
	SendPort       string `yaml:"send_port"`
	UnicastPort    string `yaml:"unicast_port"`
	TCPControlPort string `yaml:"tcp_control_port"`
	PacketTTL      int    `yaml:"packet_ttl"`
}

// Credentials holds per-connection OAuth credentials. Two channels
// sharing a username must carry structurally identical credentials
// (spec.md §3 "Token Session" invariant); internal/discovery enforces
// this at bootstrap time.
type Credentials struct {
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	ClientID            string `yaml:"client_id"`
	ClientSecret        string `yaml:"client_secret"`
	TokenScope          string `yaml:"token_scope"`
	TakeExclusiveSignOn bool   `yaml:"take_exclusive_sign_on"`
}

// ReconnectPolicy mirrors spec.md §6's reconnect fields and §4.3's
// backoff formula inputs.
type ReconnectPolicy struct {
	// AttemptLimit: -1 retries forever, 0 disables retry, N>0 retries
	// N times before the channel goes terminally Down.
	AttemptLimit int           `yaml:"attempt_limit"`
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// PreferredHostConfig mirrors spec.md §6's preferred-host block (§4.6).
type PreferredHostConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ChannelName   string        `yaml:"channel_name"`
	Cron          string        `yaml:"cron,omitempty"`
	FallbackEvery time.Duration `yaml:"fallback_every,omitempty"`
}

// ServiceDiscoveryOptions mirrors spec.md §6's ServiceDiscoveryOptions.
type ServiceDiscoveryOptions struct {
	UserName     string `yaml:"user_name"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	TokenScope   string `yaml:"token_scope,omitempty"`
	Transport    string `yaml:"transport,omitempty"`   // "tcp" | "websocket"
	DataFormat   string `yaml:"data_format,omitempty"` // "rwf" | "json2"
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for unset fields, and validates the
// result. After Load returns successfully, callers can read any field
// without additional nil/empty checks.
func Load(path string) (*ReactorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand ${VAR} references, mainly for credentials injected by the
	// deployment environment rather than checked into the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &ReactorConfig{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills zero-value fields with sensible defaults. Called
// automatically by Load.
func (c *ReactorConfig) applyDefaults() {
	if c.MaxEventsInPool <= 0 {
		c.MaxEventsInPool = 10000
	}
	if c.DispatchMaxMessages <= 0 {
		c.DispatchMaxMessages = 100
	}

	for i := range c.Sessions {
		for j := range c.Sessions[i].Connections {
			ci := &c.Sessions[i].Connections[j]
			if ci.Location == "" {
				ci.Location = "us-east"
			}
			if ci.Channel.PingTimeout <= 0 {
				ci.Channel.PingTimeout = 30 * time.Second
			}
			if ci.Channel.InitializationTimeout <= 0 {
				ci.Channel.InitializationTimeout = 60 * time.Second
			}
		}
		rp := &c.Sessions[i].Reconnect
		if rp.MinDelay <= 0 {
			rp.MinDelay = time.Second
		}
		if rp.MaxDelay <= 0 {
			rp.MaxDelay = 60 * time.Second
		}
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns a *reactorerr.Error naming the offending field (spec.md §7),
// or nil.
func (c *ReactorConfig) Validate() error {
	if c.TokenServiceURL == "" {
		return fieldErr("token_service_url", "must not be empty")
	}
	if c.ServiceDiscoveryURL == "" {
		return fieldErr("service_discovery_url", "must not be empty")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return fieldErr("log_level", err.Error())
		}
	}

	seen := make(map[string]bool, len(c.Sessions))
	for _, s := range c.Sessions {
		if s.Name == "" {
			return fieldErr("sessions[].name", "must not be empty")
		}
		if seen[s.Name] {
			return fieldErr("sessions[].name", fmt.Sprintf("duplicate session name %q", s.Name))
		}
		seen[s.Name] = true
		if len(s.Connections) == 0 {
			return fieldErr("sessions[].connections", fmt.Sprintf("session %q has no connections", s.Name))
		}
		for _, ci := range s.Connections {
			if ci.EnableSessionManagement && ci.Credentials == nil {
				return fieldErr("sessions[].connections[].credentials", fmt.Sprintf("session %q enables session management but has no credentials", s.Name))
			}
		}
	}
	return nil
}
