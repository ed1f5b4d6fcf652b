// Package config loads process configuration from ROOMNET_* environment
// variables.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

const envPrefix = "ROOMNET_"

type Config struct {
	// ListenAddr is where the lobby peer accepts players.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:14000"`
	// RoomHost is the interface room peers bind to.
	RoomHost string `env:"ROOM_HOST" envDefault:"127.0.0.1"`
	// RoomPortStart is the first port handed to a room peer. Later rooms take
	// the following ports, reusing ports of closed rooms.
	RoomPortStart int `env:"ROOM_PORT_START" envDefault:"14001"`
	MaxRooms      int `env:"MAX_ROOMS" envDefault:"64"`

	MaxPlayers      int    `env:"MAX_PLAYERS" envDefault:"256"`
	MaxViewsPerRoom int    `env:"MAX_VIEWS_PER_ROOM" envDefault:"65535"`
	MaxErrorCount   uint32 `env:"MAX_ERROR_COUNT" envDefault:"10"`

	TickPeriod         time.Duration `env:"TICK_PERIOD" envDefault:"16ms"`
	TimeUpdateInterval time.Duration `env:"TIME_UPDATE_INTERVAL" envDefault:"5s"`
	ApprovalTimeout    time.Duration `env:"APPROVAL_TIMEOUT" envDefault:"5s"`

	Development bool `env:"DEV"`
}

// Load parses the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied and the
// environment ignored.
func Default() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: map[string]string{}}); err != nil {
		panic(err)
	}
	return cfg
}

func (c Config) Validate() error {
	switch {
	case c.MaxPlayers <= 0 || c.MaxPlayers > 1<<16-1:
		return errors.Errorf("MAX_PLAYERS must be within 1..65535, got %d", c.MaxPlayers)
	case c.MaxViewsPerRoom <= 0 || c.MaxViewsPerRoom > 1<<16-1:
		return errors.Errorf("MAX_VIEWS_PER_ROOM must be within 1..65535, got %d", c.MaxViewsPerRoom)
	case c.RoomPortStart <= 0 || c.RoomPortStart > 1<<16-1:
		return errors.Errorf("ROOM_PORT_START must be a port number, got %d", c.RoomPortStart)
	case c.MaxRooms <= 0:
		return errors.Errorf("MAX_ROOMS must be positive, got %d", c.MaxRooms)
	case c.TickPeriod <= 0:
		return errors.New("TICK_PERIOD must be positive")
	}
	return nil
}
