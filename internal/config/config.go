package config

import (
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	FS FSConfig `yaml:"fs"`
}

// MustLoad reads the optional config file and environment. An empty path
// means environment and defaults only.
func MustLoad(configPath string) *Config {
	var cfg Config

	if configPath == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			panic("cannot read config from environment: " + err.Error())
		}
		return &cfg
	}

	// check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	return &cfg
}
