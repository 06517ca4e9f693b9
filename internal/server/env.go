// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// PortEnvName is the variable that enables the status server and sets its
// listen port.
const PortEnvName = "HTTP_PORT"

var (
	ErrEnvVariablesNotValid = errors.New("environment variables not valid")
)

// Config carries the status server tuning read from the environment. An
// experiment meta block can override HTTPPort after loading.
type Config struct {
	DisableStartupMessage bool `env:"DISABLE_STARTUP_MESSAGE" envDefault:"true"`
	HTTPPort              int  `env:"HTTP_PORT" envDefault:"8080"`
}

func LoadServerConfig() (*Config, error) {
	var envVars Config
	if err := env.Parse(&envVars); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvVariablesNotValid, err.Error())
	}

	if err := validateEnvironmentVariables(&envVars); err != nil {
		return nil, err
	}
	return &envVars, nil
}

func validateEnvironmentVariables(envVars *Config) error {
	envError := make([]string, 0)

	if envVars.HTTPPort < 1 || envVars.HTTPPort > 65535 {
		envError = append(envError, "HTTP_PORT is out of valid range (1-65535)")
	}

	if len(envError) > 0 {
		return fmt.Errorf("%w: %s", ErrEnvVariablesNotValid, strings.Join(envError, ", "))
	}
	return nil
}
