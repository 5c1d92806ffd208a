// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
)

// Up initializes the stats subsystem per the supplied config.
//
// Counters registered before Up() keep their original namespace; in practice
// Up() runs before any scrub work starts.
func Up(confView *viper.Viper) (err error) {
	globals.Lock()
	globals.namespace = confView.GetString("stats.namespace")
	globals.Unlock()
	return nil
}

// Down discards all accumulated stats.
func Down() (err error) {
	globals.Lock()
	globals.registry = prometheus.NewRegistry()
	globals.counters = make(map[string]*counterStruct)
	globals.Unlock()
	return nil
}
