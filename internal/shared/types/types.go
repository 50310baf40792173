package types

// CommonConf holds settings shared by the relay and the viewer.
type CommonConf struct {
	MaxConnections int `ini:"max_connections"`
	BufferSize     int `ini:"buffer_size"`
}

// RelayConf configures the relay server.
type RelayConf struct {
	Port             int  `ini:"port"`
	ProxyProtocol    bool `ini:"proxy_protocol"`
	UpdateIntervalMs int  `ini:"update_interval_ms"`
	IdleTimeoutSec   int  `ini:"idle_timeout_sec"`
}

// ClientConf configures the viewer's session manager: where the relay
// lives and which desktop session to ask it for.
type ClientConf struct {
	RelayURL string `ini:"relay_url"`
	Host     string `ini:"host"`
	Port     int    `ini:"port"`
	Password string `ini:"password"`
	Width    int    `ini:"width"`
	Height   int    `ini:"height"`
	Depth    int    `ini:"depth"`
}

// LogConf controls the global logger.
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
}

// Config is the unified application configuration, one embedded struct
// per ini section.
type Config struct {
	CommonConf `ini:"common"`
	RelayConf  `ini:"relay"`
	ClientConf `ini:"client"`
	LogConf    `ini:"log"`
}

// Defaults used when a section omits a value.
const (
	DefaultRelayPort        = 8090
	DefaultUpdateIntervalMs = 1000
	DefaultMaxConnections   = 256
)

// ApplyDefaults fills in zero-valued fields that have a sensible default.
func (c *Config) ApplyDefaults() {
	if c.RelayConf.Port == 0 {
		c.RelayConf.Port = DefaultRelayPort
	}
	if c.RelayConf.UpdateIntervalMs <= 0 {
		c.RelayConf.UpdateIntervalMs = DefaultUpdateIntervalMs
	}
	if c.CommonConf.MaxConnections <= 0 {
		c.CommonConf.MaxConnections = DefaultMaxConnections
	}
	if c.LogConf.Level == "" {
		c.LogConf.Level = "info"
	}
}
