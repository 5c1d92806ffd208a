// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"sync"

	"github.com/spf13/viper"
)

type globalsStruct struct {
	sync.Mutex

	// Map of locks owned locally.
	// NOTE: protected by the Mutex above.
	localLockMap map[string]*localLockTrack
}

var globals globalsStruct

func init() {
	// Locks may be taken before Up() is called (package tests do), so the
	// map must exist from process start.
	globals.localLockMap = make(map[string]*localLockTrack)
}

// Up initializes the lock manager.
func Up(confView *viper.Viper) (err error) {
	globals.Lock()
	globals.localLockMap = make(map[string]*localLockTrack)
	globals.Unlock()
	return nil
}

// Down tears down the lock manager.
func Down() (err error) {
	return nil
}
