package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Client configures the jt command line client. Variables carry the JT_
// prefix; flags override them.
type Client struct {
	Server            string        `envconfig:"SERVER" default:"http://localhost:8000"`
	Token             string        `envconfig:"TOKEN"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"60s"`
}

// LoadClient reads the client settings from the environment.
func LoadClient() (Client, error) {
	var c Client
	if err := envconfig.Process("JT", &c); err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}
	return c, nil
}
