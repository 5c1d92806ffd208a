// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package conf provides the configuration layer for MarbleFS.
//
// Configuration is backed by the spf13/viper package. Settings come from an
// optional YAML file, MARBLEFS_-prefixed environment variables, and defaults
// registered here. Each subsystem package exposes an Up(*viper.Viper) that
// consumes its own settings; tests typically build a config from strings via
// MakeFromStrings.
package conf

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Make returns a config populated only with defaults.
func Make() (v *viper.Viper) {
	v = viper.New()
	setDefaults(v)
	return
}

// MakeFromFile returns a config loaded from the supplied YAML file path
// layered over the defaults.
func MakeFromFile(path string) (v *viper.Viper, err error) {
	v = Make()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("marblefs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	err = v.ReadInConfig()
	if nil != err {
		return nil, err
	}
	return v, nil
}

// MakeFromStrings returns a config built from "key=value" strings layered
// over the defaults. Intended for tests.
func MakeFromStrings(settings []string) (v *viper.Viper, err error) {
	v = Make()
	for _, setting := range settings {
		equalsPos := strings.Index(setting, "=")
		if equalsPos <= 0 {
			err = fmt.Errorf("conf: setting '%s' is not of the form key=value", setting)
			return nil, err
		}
		v.Set(setting[:equalsPos], setting[equalsPos+1:])
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.logfilepath", "")
	v.SetDefault("logging.logtoconsole", false)
	v.SetDefault("logging.tracelevellogging", []string{})
	v.SetDefault("logging.debuglevellogging", []string{})

	v.SetDefault("trackedlock.lockholdtimelimit", "0s")

	v.SetDefault("stats.namespace", "marblefs")

	v.SetDefault("scrub.recordspersecond", 0)
}
