// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// Hold-time limit in nanoseconds; 0 disables tracking entirely so that the
// overhead of this package is minimal.
var lockHoldTimeLimitNs int64

func trackingEnabled() bool {
	return atomic.LoadInt64(&lockHoldTimeLimitNs) != 0
}

func holdTimeLimit() time.Duration {
	return time.Duration(atomic.LoadInt64(&lockHoldTimeLimitNs))
}

// Up initializes lock tracking per the supplied config.
func Up(confView *viper.Viper) (err error) {
	limit := confView.GetDuration("trackedlock.lockholdtimelimit")
	atomic.StoreInt64(&lockHoldTimeLimitNs, int64(limit))
	return nil
}

// Down disables lock tracking.
func Down() (err error) {
	atomic.StoreInt64(&lockHoldTimeLimitNs, 0)
	return nil
}
