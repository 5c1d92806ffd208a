// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package stats provides a simple operation-counter API.
//
// Counters are registered lazily on first increment and exported through a
// prometheus registry (use Registry() to expose them from an embedding
// daemon). Stat names are referenced by pointer so that call sites read
// stats.IncrementOperations(&stats.QuotaScrubOps).
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stat names for the scrub subsystem.
var (
	QuotaScrubOps            = "quota_scrub_operations"
	QuotaScrubSuccessOps     = "quota_scrub_success_operations"
	QuotaScrubRecordOps      = "quota_scrub_record_checks"
	QuotaScrubCorruptionsSet = "quota_scrub_corruptions_found"
	QuotaScrubWarningsSet    = "quota_scrub_warnings_found"
	QuotaScrubCancels        = "quota_scrub_cancellations"
)

type counterStruct struct {
	promCounter prometheus.Counter
	count       uint64
}

type globalsStruct struct {
	sync.Mutex
	namespace string
	registry  *prometheus.Registry
	counters  map[string]*counterStruct
}

var globals = globalsStruct{
	namespace: "marblefs",
	registry:  prometheus.NewRegistry(),
	counters:  make(map[string]*counterStruct),
}

func fetchCounter(statName string) (cs *counterStruct) {
	globals.Lock()
	cs, ok := globals.counters[statName]
	if !ok {
		cs = &counterStruct{
			promCounter: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: globals.namespace,
				Name:      statName,
			}),
		}
		globals.registry.MustRegister(cs.promCounter)
		globals.counters[statName] = cs
	}
	globals.Unlock()
	return
}

// IncrementOperations adds one to the named stat.
func IncrementOperations(statName *string) {
	IncrementOperationsBy(statName, 1)
}

// IncrementOperationsBy adds incBy to the named stat.
func IncrementOperationsBy(statName *string, incBy uint64) {
	cs := fetchCounter(*statName)
	atomic.AddUint64(&cs.count, incBy)
	cs.promCounter.Add(float64(incBy))
}

// Dump returns a map of all accumulated stats since process start.
//
//	Key   is the name of the stat
//	Value is the accumulation of all increments for the stat
func Dump() (statMap map[string]uint64) {
	statMap = make(map[string]uint64)
	globals.Lock()
	for statName, cs := range globals.counters {
		statMap[statName] = atomic.LoadUint64(&cs.count)
	}
	globals.Unlock()
	return
}

// Registry returns the prometheus registry holding all stat counters.
func Registry() *prometheus.Registry {
	return globals.registry
}
