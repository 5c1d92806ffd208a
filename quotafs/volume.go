// Copyright (c) 2019-2026, The MarbleFS Authors.
// SPDX-License-Identifier: Apache-2.0

package quotafs

import (
	"fmt"
	"sync/atomic"

	"github.com/NVIDIA/sortedmap"
	"github.com/google/btree"

	"github.com/marblefs/marblefs/dlm"
	"github.com/marblefs/marblefs/fault"
	"github.com/marblefs/marblefs/trackedlock"
	"github.com/marblefs/marblefs/utils"
)

const (
	defaultBlockSize  = uint64(4096)
	defaultSectorSize = uint64(512)

	// Low physical block numbers are reserved (superblock and friends);
	// the allocator hands out blocks starting here.
	firstAllocatablePhysBlock = uint64(16)

	extentMapMaxKeysPerNode = uint64(128)

	recordIndexDegree = 8
)

// VolumeConfig describes a volume to create.
type VolumeConfig struct {
	Name           string
	BlockSize      uint64 // 0 selects the default (4096)
	SectorSize     uint64 // 0 selects the default (512)
	TotalBlocks    uint64
	TotalRTBlocks  uint64
	InodeCount     uint64
	SharedExtents  bool // enables the overcommit feature
	QuotaOn        bool
	EnabledClasses []QuotaClass
}

// Volume is an in-memory MarbleFS volume: block store, quota metadata files,
// and live capacity counters.
type Volume struct {
	name string
	geo  Geometry

	mu trackedlock.Mutex // protects everything below except inodeCount

	quotaOn       bool
	quotaFiles    map[QuotaClass]*quotaFileStruct
	totalBlocks   uint64
	totalRTBlocks uint64
	sharedExtents bool

	nextPhysBlock uint64
	blocks        map[uint64][]byte

	// inodeCount changes underneath a running scrub, like the live
	// filesystem it stands in for; accessed only via atomics.
	inodeCount uint64

	// test hook: physical blocks whose reads fail with an I/O error
	failedReads map[uint64]bool
}

type quotaFileStruct struct {
	vol     *Volume
	class   QuotaClass
	extents sortedmap.BPlusTree // FileOffset (uint64) -> *Extent
	records *btree.BTree        // recordIndexEntryStruct ordered by ID
}

type recordIndexEntryStruct struct {
	id uint32
}

func (entry recordIndexEntryStruct) Less(than btree.Item) bool {
	return entry.id < than.(recordIndexEntryStruct).id
}

// CreateVolume creates an in-memory volume with empty quota files for each
// enabled class.
func CreateVolume(volConfig *VolumeConfig) (vol *Volume, err error) {
	if volConfig.Name == "" {
		err = fault.NewError(fault.InvalidArgError, "%s: volume name must be non-empty", utils.GetFnName())
		return nil, err
	}
	if volConfig.TotalBlocks <= firstAllocatablePhysBlock {
		err = fault.NewError(fault.InvalidArgError, "%s: volume '%s' needs more than %d blocks",
			utils.GetFnName(), volConfig.Name, firstAllocatablePhysBlock)
		return nil, err
	}

	blockSize := volConfig.BlockSize
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}
	sectorSize := volConfig.SectorSize
	if sectorSize == 0 {
		sectorSize = defaultSectorSize
	}

	recordsPerBlock := (blockSize - quotaBlockHdrSize) / quotaRecSize
	if recordsPerBlock == 0 {
		err = fault.NewError(fault.InvalidArgError, "%s: block size %d too small for quota records",
			utils.GetFnName(), blockSize)
		return nil, err
	}

	vol = &Volume{
		name: volConfig.Name,
		geo: Geometry{
			BlockSize:       blockSize,
			SectorSize:      sectorSize,
			RecordsPerBlock: recordsPerBlock,
			DaddrsPerBlock:  blockSize / sectorSize,
			MaxFileOffset:   (uint64(1)<<63 - 1) / blockSize,
			MaxPhysBlock:    volConfig.TotalBlocks - 1,
		},
		quotaOn:       volConfig.QuotaOn,
		quotaFiles:    make(map[QuotaClass]*quotaFileStruct),
		totalBlocks:   volConfig.TotalBlocks,
		totalRTBlocks: volConfig.TotalRTBlocks,
		sharedExtents: volConfig.SharedExtents,
		nextPhysBlock: firstAllocatablePhysBlock,
		blocks:        make(map[uint64][]byte),
		inodeCount:    volConfig.InodeCount,
		failedReads:   make(map[uint64]bool),
	}

	for _, class := range volConfig.EnabledClasses {
		if class != ClassUser && class != ClassGroup && class != ClassProject {
			err = fault.NewError(fault.InvalidClassError, "%s: volume '%s': bad quota class %v",
				utils.GetFnName(), volConfig.Name, class)
			return nil, err
		}
		vol.quotaFiles[class] = &quotaFileStruct{
			vol:     vol,
			class:   class,
			extents: sortedmap.NewBPlusTree(extentMapMaxKeysPerNode, sortedmap.CompareUint64, nil, nil),
			records: btree.New(recordIndexDegree),
		}
	}

	return vol, nil
}

// Name returns the volume name.
func (vol *Volume) Name() string {
	return vol.name
}

// Geometry returns the volume's layout facts.
func (vol *Volume) Geometry() Geometry {
	return vol.geo
}

// QuotaEnabled returns whether quota accounting is enabled at all.
func (vol *Volume) QuotaEnabled() bool {
	vol.mu.Lock()
	on := vol.quotaOn
	vol.mu.Unlock()
	return on
}

// ClassEnabled returns whether quota accounting is enabled for class.
func (vol *Volume) ClassEnabled(class QuotaClass) bool {
	vol.mu.Lock()
	_, ok := vol.quotaFiles[class]
	vol.mu.Unlock()
	return ok
}

// CurrentCapacity samples volume-wide capacity. The inode count is a live
// counter, so two samples taken at different times may disagree; callers
// needing internally consistent comparisons must sample exactly once.
func (vol *Volume) CurrentCapacity() FilesystemCapacity {
	vol.mu.Lock()
	capacity := FilesystemCapacity{
		TotalBlocks:       vol.totalBlocks,
		TotalRTBlocks:     vol.totalRTBlocks,
		OvercommitAllowed: vol.sharedExtents,
	}
	vol.mu.Unlock()
	capacity.InodeCount = atomic.LoadUint64(&vol.inodeCount)
	return capacity
}

// AdjustInodeCount changes the live inode count by delta; used by the
// (simulated) allocation paths running concurrently with a scrub.
func (vol *Volume) AdjustInodeCount(delta int64) {
	atomic.AddUint64(&vol.inodeCount, uint64(delta))
}

// FileLock returns a fresh handle on the file-level lock of the class's
// quota metadata file.
func (vol *Volume) FileLock(class QuotaClass) *dlm.RWLockStruct {
	return &dlm.RWLockStruct{
		LockID:       fmt.Sprintf("vol.%s:qf.%s", vol.name, class),
		LockCallerID: dlm.GenerateCallerID(),
	}
}

func (vol *Volume) recordLockID(class QuotaClass, id uint32) string {
	return fmt.Sprintf("vol.%s:dq.%s.%d", vol.name, class, id)
}

// fetchQuotaFile returns the quota file for class, or an error if quota
// accounting is off or the class is not enabled.
func (vol *Volume) fetchQuotaFile(class QuotaClass) (qf *quotaFileStruct, err error) {
	vol.mu.Lock()
	defer vol.mu.Unlock()

	if !vol.quotaOn {
		err = fault.NewError(fault.QuotaOffError, "%s: volume '%s': quota accounting is off",
			utils.GetFnName(), vol.name)
		return nil, err
	}
	qf, ok := vol.quotaFiles[class]
	if !ok {
		err = fault.NewError(fault.QuotaOffError, "%s: volume '%s': %v quota not enabled",
			utils.GetFnName(), vol.name, class)
		return nil, err
	}
	return qf, nil
}

// allocPhysBlock grabs the next free physical block and zero-fills it.
// Assumes vol.mu is held.
func (vol *Volume) allocPhysBlock() (physBlock uint64, err error) {
	if vol.nextPhysBlock > vol.geo.MaxPhysBlock {
		err = fault.NewError(fault.OutOfRangeError, "%s: volume '%s' is out of blocks",
			utils.GetFnName(), vol.name)
		return 0, err
	}
	physBlock = vol.nextPhysBlock
	vol.nextPhysBlock++
	vol.blocks[physBlock] = make([]byte, vol.geo.BlockSize)
	return physBlock, nil
}

// readBlock returns the backing bytes of physBlock. Assumes vol.mu is held.
func (vol *Volume) readBlock(physBlock uint64) (buf []byte, err error) {
	if vol.failedReads[physBlock] {
		err = fault.NewError(fault.IOError, "%s: volume '%s': read of block %d failed",
			utils.GetFnName(), vol.name, physBlock)
		return nil, err
	}
	buf, ok := vol.blocks[physBlock]
	if !ok {
		err = fault.NewError(fault.IOError, "%s: volume '%s': block %d is not allocated",
			utils.GetFnName(), vol.name, physBlock)
		return nil, err
	}
	return buf, nil
}

// InjectBlockReadError arms (or disarms) a forced I/O error on reads of the
// block backing the quota file's extent at fileOffset. Test hook.
func (vol *Volume) InjectBlockReadError(class QuotaClass, fileOffset uint64, armed bool) (err error) {
	qf, err := vol.fetchQuotaFile(class)
	if err != nil {
		return err
	}

	vol.mu.Lock()
	defer vol.mu.Unlock()

	extent, ok, err := qf.lookupExtent(fileOffset)
	if err != nil {
		return err
	}
	if !ok {
		return fault.NewError(fault.NoDataError, "%s: no extent at offset %d", utils.GetFnName(), fileOffset)
	}
	if armed {
		vol.failedReads[extent.PhysBlock] = true
	} else {
		delete(vol.failedReads, extent.PhysBlock)
	}
	return nil
}
