package config

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"

	"github.com/bibliotecavirtual/reservation-service/internal/server"
	"github.com/bibliotecavirtual/reservation-service/pkg/kafka"
	"github.com/bibliotecavirtual/reservation-service/pkg/logger"
	"github.com/bibliotecavirtual/reservation-service/pkg/postgres"
)

type Reservation struct {
	HoldWindow    time.Duration `yaml:"holdWindow" envconfig:"HOLD_WINDOW" default:"24h"`
	SweepInterval time.Duration `yaml:"sweepInterval" envconfig:"SWEEP_INTERVAL" default:"5m"`
}

type Config struct {
	Server      server.Config   `yaml:"server"`
	Database    postgres.Config `yaml:"database"`
	Kafka       kafka.Config    `yaml:"kafka"`
	Reservation Reservation     `yaml:"reservation"`
	Log         logger.Log      `yaml:"log"`
}

type Option func(*Config)

func WithLogLevel(level zapcore.Level) Option {
	return func(c *Config) {
		c.Log.LogLevel = level
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Server.WriteTimeout = d
	}
}

var (
	once sync.Once
	cfg  Config
)

// NewConfig reads config from environment.
func NewConfig(ops ...Option) *Config {
	once.Do(func() {
		var config Config
		err := envconfig.Process("", &config)
		if err != nil {
			log.Fatal("NewConfig ", err)
		}
		for _, op := range ops {
			op(&config)
		}
		cfg = config
		printConfig(cfg)
	})

	return &cfg
}

func printConfig(cfg Config) {
	jscfg, _ := json.MarshalIndent(cfg, "", "	") //nolint:errcheck
	fmt.Println(string(jscfg))
}
