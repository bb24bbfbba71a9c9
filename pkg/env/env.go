// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	Local      = "local"
	Production = "production"
	Testing    = "testing"
)

var Env = Local

func IsLocal() bool {
	return Env == Local
}

func IsProduction() bool {
	return Env == Production
}

func IsTesting() bool {
	return Env == Testing
}

// Load sets Env from the "env" config key, falling back to the ENV
// environment variable, then to local
func Load() error {
	v := viper.GetString("env")
	if v == "" {
		v = os.Getenv("ENV")
	}
	switch v = strings.ToLower(v); v {
	case "":
		Env = Local
	case Local, Production, Testing:
		Env = v
	default:
		return fmt.Errorf("unknown environment %q (want %s, %s or %s)", v, Local, Production, Testing)
	}
	return nil
}

func init() {
	Load()
}
