package config

import (
	"time"
)

// TransportConfig selects and tunes the messaging backend link.
type TransportConfig struct {
	// Driver: "websocket" or "simulated".
	Driver string `yaml:"driver"`

	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	ReconnectMaxAttempts        int           `yaml:"reconnect_max_attempts"`
	ReconnectDelay              time.Duration `yaml:"reconnect_delay"`
	ReconnectFailureProbability float64       `yaml:"reconnect_failure_probability"`

	// Simulated-driver impairment knobs.
	LatencyMin            time.Duration `yaml:"latency_min"`
	LatencyMax            time.Duration `yaml:"latency_max"`
	LossProbability       float64       `yaml:"loss_probability"`
	DisconnectProbability float64       `yaml:"disconnect_probability"`
	HealthCheckInterval   time.Duration `yaml:"health_check_interval"`
	Seed                  int64         `yaml:"seed"`
}

func loadTransportConfig() *TransportConfig {
	return &TransportConfig{
		Driver:               getEnv("TRANSPORT_DRIVER", "simulated"),
		URL:                  getEnv("TRANSPORT_URL", "ws://localhost:8081/ws"),
		HandshakeTimeout:     getEnvAsDuration("TRANSPORT_HANDSHAKE_TIMEOUT", 10*time.Second),
		ReconnectMaxAttempts:        getEnvAsInt("TRANSPORT_RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectDelay:              getEnvAsDuration("TRANSPORT_RECONNECT_DELAY", 2*time.Second),
		ReconnectFailureProbability: getEnvAsFloat64("TRANSPORT_RECONNECT_FAILURE_PROBABILITY", 0),

		LatencyMin:            getEnvAsDuration("TRANSPORT_LATENCY_MIN", 20*time.Millisecond),
		LatencyMax:            getEnvAsDuration("TRANSPORT_LATENCY_MAX", 120*time.Millisecond),
		LossProbability:       getEnvAsFloat64("TRANSPORT_LOSS_PROBABILITY", 0),
		DisconnectProbability: getEnvAsFloat64("TRANSPORT_DISCONNECT_PROBABILITY", 0),
		HealthCheckInterval:   getEnvAsDuration("TRANSPORT_HEALTH_CHECK_INTERVAL", 5*time.Second),
		Seed:                  int64(getEnvAsInt("TRANSPORT_SEED", 1)),
	}
}
