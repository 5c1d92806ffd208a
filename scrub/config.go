// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package scrub

import (
	"sync/atomic"

	"github.com/spf13/viper"
)

// scrub.recordspersecond bounds the per-record phase of a quota pass so a
// background scrub cannot starve foreground quota traffic. 0 leaves passes
// unthrottled.
var globalRecordsPerSecond int64

// Up applies the scrub section of the config.
func Up(confView *viper.Viper) (err error) {
	atomic.StoreInt64(&globalRecordsPerSecond, confView.GetInt64("scrub.recordspersecond"))
	return nil
}

// Down reverts to the unthrottled default.
func Down() (err error) {
	atomic.StoreInt64(&globalRecordsPerSecond, 0)
	return nil
}

func defaultRecordsPerSecond() int {
	return int(atomic.LoadInt64(&globalRecordsPerSecond))
}
