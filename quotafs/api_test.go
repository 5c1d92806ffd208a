// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package quotafs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marblefs/marblefs/conf"
	"github.com/marblefs/marblefs/dlm"
	"github.com/marblefs/marblefs/fault"
	"github.com/marblefs/marblefs/logger"
	"github.com/marblefs/marblefs/trackedlock"
)

func testSetup(t *testing.T) {
	assert := assert.New(t)

	confStrings := []string{
		"logging.logtoconsole=false",
		"trackedlock.lockholdtimelimit=0s",
	}

	confView, err := conf.MakeFromStrings(confStrings)
	assert.Nil(err, "conf.MakeFromStrings() failed")

	err = logger.Up(confView)
	assert.Nil(err, "logger.Up() failed")

	err = trackedlock.Up(confView)
	assert.Nil(err, "trackedlock.Up() failed")

	err = dlm.Up(confView)
	assert.Nil(err, "dlm.Up() failed")
}

func testTeardown(t *testing.T) {
	assert := assert.New(t)

	err := dlm.Down()
	assert.Nil(err, "dlm.Down() failed")

	err = trackedlock.Down()
	assert.Nil(err, "trackedlock.Down() failed")

	err = logger.Down()
	assert.Nil(err, "logger.Down() failed")
}

func testVolume(t *testing.T, name string) *Volume {
	vol, err := CreateVolume(&VolumeConfig{
		Name:           name,
		TotalBlocks:    10000,
		TotalRTBlocks:  1000,
		InodeCount:     5000,
		QuotaOn:        true,
		EnabledClasses: []QuotaClass{ClassUser, ClassGroup},
	})
	assert.Nil(t, err, "CreateVolume() failed")
	return vol
}

func TestVolumeGeometry(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	vol := testVolume(t, "geovol")
	geo := vol.Geometry()

	assert.Equal(uint64(4096), geo.BlockSize)
	assert.Equal(uint64(512), geo.SectorSize)
	assert.Equal(uint64(8), geo.DaddrsPerBlock)
	assert.Equal(uint64(9999), geo.MaxPhysBlock)
	assert.True(geo.RecordsPerBlock > 0)

	assert.Equal(uint64(16), geo.BlockToDiskAddr(2))
	assert.True(geo.VerifyPhysBlock(1))
	assert.True(geo.VerifyPhysBlock(9999))
	assert.False(geo.VerifyPhysBlock(0))
	assert.False(geo.VerifyPhysBlock(10000))
	assert.True(geo.VerifyFileOffset(0))
	assert.False(geo.VerifyFileOffset(geo.MaxFileOffset+1))
}

func TestQuotaOffErrors(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	vol := testVolume(t, "offvol")

	assert.True(vol.QuotaEnabled())
	assert.True(vol.ClassEnabled(ClassUser))
	assert.False(vol.ClassEnabled(ClassProject))

	_, err := vol.OpenRecordCursor(ClassProject)
	assert.True(fault.Is(err, fault.QuotaOffError), "expected QuotaOffError for disabled class")

	_, err = vol.BmapRead(ClassProject, 0, 1)
	assert.True(fault.Is(err, fault.QuotaOffError))

	err = vol.SetQuota(ClassProject, 1, ResourceLimit{}, ResourceLimit{}, ResourceLimit{})
	assert.True(fault.Is(err, fault.QuotaOffError))
}

func TestSetQuotaCursorRoundTrip(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	vol := testVolume(t, "walkvol")
	geo := vol.Geometry()

	// Insert out of order; the walk must come back sorted. The last id
	// lands in a later quota file block.
	laterID := uint32(2*geo.RecordsPerBlock) + 3
	err := vol.SetQuota(ClassUser, 7,
		ResourceLimit{HardLimit: 700, SoftLimit: 70, Count: 7},
		ResourceLimit{HardLimit: 70, Count: 1},
		ResourceLimit{})
	assert.Nil(err)
	err = vol.SetQuota(ClassUser, 0,
		ResourceLimit{HardLimit: 5000},
		ResourceLimit{},
		ResourceLimit{})
	assert.Nil(err)
	err = vol.SetQuota(ClassUser, laterID,
		ResourceLimit{Count: 11, SoftLimit: 5, Timer: 1700000000},
		ResourceLimit{},
		ResourceLimit{HardLimit: 9})
	assert.Nil(err)

	cursor, err := vol.OpenRecordCursor(ClassUser)
	assert.Nil(err)

	var walked []*QuotaRecord
	for {
		rec, nextErr := cursor.Next()
		assert.Nil(nextErr)
		if nil == rec {
			break
		}
		walked = append(walked, rec)
	}

	assert.Equal(3, len(walked))
	assert.Equal(uint32(0), walked[0].ID)
	assert.Equal(uint32(7), walked[1].ID)
	assert.Equal(laterID, walked[2].ID)

	assert.Equal(uint64(5000), walked[0].Blk.HardLimit)
	assert.Equal(uint64(700), walked[1].Blk.HardLimit)
	assert.Equal(uint64(7), walked[1].Blk.Count)
	assert.Equal(uint64(70), walked[1].Ino.HardLimit)
	assert.Equal(uint64(1700000000), walked[2].Blk.Timer)
	assert.Equal(uint64(9), walked[2].RTB.HardLimit)

	for _, rec := range walked {
		assert.Equal(ClassUser, rec.Class)
		assert.Equal(uint64(rec.ID)/geo.RecordsPerBlock, rec.FileOffset)

		// The recorded disk address must agree with the extent map.
		extents, bmapErr := vol.BmapRead(ClassUser, rec.FileOffset, 1)
		assert.Nil(bmapErr)
		assert.Equal(1, len(extents))
		assert.Equal(ExtentWritten, extents[0].State)
		assert.Equal(geo.BlockToDiskAddr(extents[0].PhysBlock), rec.DiskAddr)

		err = rec.Release()
		assert.Nil(err)
	}
}

func TestSetQuotaOverwrite(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	vol := testVolume(t, "updatevol")

	err := vol.SetQuota(ClassGroup, 4, ResourceLimit{Count: 1}, ResourceLimit{}, ResourceLimit{})
	assert.Nil(err)
	err = vol.SetQuota(ClassGroup, 4, ResourceLimit{Count: 2}, ResourceLimit{}, ResourceLimit{})
	assert.Nil(err)

	cursor, err := vol.OpenRecordCursor(ClassGroup)
	assert.Nil(err)

	rec, err := cursor.Next()
	assert.Nil(err)
	assert.NotNil(rec)
	assert.Equal(uint32(4), rec.ID)
	assert.Equal(uint64(2), rec.Blk.Count)
	err = rec.Release()
	assert.Nil(err)

	rec, err = cursor.Next()
	assert.Nil(err)
	assert.Nil(rec, "expected end of iteration after one record")
}

func TestCheckMetadataForks(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	vol := testVolume(t, "forksvol")

	err := vol.SetQuota(ClassUser, 1, ResourceLimit{Count: 5}, ResourceLimit{}, ResourceLimit{})
	assert.Nil(err)

	clean, err := vol.CheckMetadataForks(ClassUser)
	assert.Nil(err)
	assert.True(clean)

	err = vol.CorruptRecordBlock(ClassUser, 0)
	assert.Nil(err)

	clean, err = vol.CheckMetadataForks(ClassUser)
	assert.Nil(err)
	assert.False(clean, "checksum damage must fail the structure check")
}

func TestBmapReadTrim(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	vol := testVolume(t, "bmapvol")

	err := vol.InsertRawExtent(ClassUser, Extent{
		FileOffset: 100,
		Length:     3,
		PhysBlock:  200,
		State:      ExtentWritten,
	})
	assert.Nil(err)

	// A one-block read in the middle of the extent comes back trimmed.
	extents, err := vol.BmapRead(ClassUser, 101, 1)
	assert.Nil(err)
	assert.Equal(1, len(extents))
	assert.Equal(uint64(101), extents[0].FileOffset)
	assert.Equal(uint64(1), extents[0].Length)
	assert.Equal(uint64(201), extents[0].PhysBlock)

	// A read over a hole returns no extents.
	extents, err = vol.BmapRead(ClassUser, 10, 5)
	assert.Nil(err)
	assert.Equal(0, len(extents))

	// A wide read spanning extent and hole returns just the overlap.
	extents, err = vol.BmapRead(ClassUser, 98, 4)
	assert.Nil(err)
	assert.Equal(1, len(extents))
	assert.Equal(uint64(100), extents[0].FileOffset)
	assert.Equal(uint64(2), extents[0].Length)
	assert.Equal(uint64(200), extents[0].PhysBlock)
}

func TestRecordReadErrorInjection(t *testing.T) {
	testSetup(t)
	defer testTeardown(t)
	assert := assert.New(t)

	vol := testVolume(t, "readerrvol")

	err := vol.SetQuota(ClassUser, 1, ResourceLimit{}, ResourceLimit{}, ResourceLimit{})
	assert.Nil(err)

	err = vol.InjectBlockReadError(ClassUser, 0, true)
	assert.Nil(err)

	cursor, err := vol.OpenRecordCursor(ClassUser)
	assert.Nil(err)

	_, err = cursor.Next()
	assert.NotNil(err, "read of a failed block must error")
	assert.True(fault.IsNotSuccess(err))

	err = vol.InjectBlockReadError(ClassUser, 0, false)
	assert.Nil(err)

	cursor, err = vol.OpenRecordCursor(ClassUser)
	assert.Nil(err)

	rec, err := cursor.Next()
	assert.Nil(err)
	assert.NotNil(rec)
	err = rec.Release()
	assert.Nil(err)
}
