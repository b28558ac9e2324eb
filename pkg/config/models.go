package config

import "time"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Transport TransportConfig `mapstructure:"transport"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	// Address the public WebSocket endpoint binds to.
	Address string     `mapstructure:"address"`
	Auth    AuthConfig `mapstructure:"auth"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

// OpsConfig covers the internal HTTP surface consumed by the CRUD
// services (trip updates, unicast notifications, stats, metrics).
type OpsConfig struct {
	Address string `mapstructure:"address"`
}

type TransportConfig struct {
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	// PingInterval drives the keepalive loop; a ping not answered within
	// WriteTimeout is the sole liveness signal. Clients that only listen
	// are never timed out for not sending.
	PingInterval time.Duration `mapstructure:"pingInterval"`
	// SendBuffer is the per-connection outbound queue depth. A recipient
	// that falls this far behind is treated as failed and reaped.
	SendBuffer int `mapstructure:"sendBuffer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
