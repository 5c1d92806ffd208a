// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marblefs/marblefs/conf"
)

func TestStatCounters(t *testing.T) {
	assert := assert.New(t)

	confView, err := conf.MakeFromStrings([]string{"stats.namespace=marblefs_statstest"})
	assert.Nil(err)
	err = Up(confView)
	assert.Nil(err)
	defer func() {
		downErr := Down()
		assert.Nil(downErr)
	}()

	before := Dump()[QuotaScrubOps]

	IncrementOperations(&QuotaScrubOps)
	IncrementOperations(&QuotaScrubOps)
	IncrementOperationsBy(&QuotaScrubRecordOps, 5)

	statMap := Dump()
	assert.Equal(before+2, statMap[QuotaScrubOps])
	assert.Equal(uint64(5), statMap[QuotaScrubRecordOps])

	// The counters are registered with the prometheus registry as a side
	// effect of first use.
	metricFamilies, err := Registry().Gather()
	assert.Nil(err)
	assert.NotEmpty(metricFamilies)
}
