package plan

import (
	"fmt"
)

// TableType selects the partition table written into the image.
type TableType string

const (
	TableMBR TableType = "mbr"
	TableGPT TableType = "gpt"
)

const (
	// DefaultAlignment is the byte boundary partition starts and sizes are
	// rounded to when the plan file does not set one.
	DefaultAlignment = 4096

	// firstPartitionOffset keeps the first partition clear of the partition
	// table area (MBR gap / GPT header plus entry array).
	firstPartitionOffset = 1 << 20

	// SectorSize is the logical sector size all layouts are expressed in.
	SectorSize = 512
)

// Request is a single logical volume asked for by the plan file. Exactly one
// request may set Remaining, and it must be the last one.
type Request struct {
	Name       string
	SizeBytes  uint64
	Remaining  bool
	Filesystem string
	MountPoint string
	Boot       bool
}

// Partition is a placed partition with a concrete byte offset.
type Partition struct {
	Name       string
	StartBytes uint64
	SizeBytes  uint64
	Filesystem string
	MountPoint string
	Boot       bool
}

// ImagePlan is the immutable result of layout computation. Partitions are
// sorted by start offset, pairwise non-overlapping and bounded by TotalBytes.
type ImagePlan struct {
	TotalBytes uint64
	Table      TableType
	Alignment  uint64
	Partitions []Partition
}

// OversizedError reports that the requested partition sizes cannot fit in
// the target image, even before alignment padding.
type OversizedError struct {
	RequestedBytes uint64
	TotalBytes     uint64
}

func (e *OversizedError) Error() string {
	return fmt.Sprintf("requested partition sizes (%d bytes) exceed image size (%d bytes)",
		e.RequestedBytes, e.TotalBytes)
}

// InvalidBootFlagError reports more than one partition requesting the boot
// flag.
type InvalidBootFlagError struct {
	First  string
	Second string
}

func (e *InvalidBootFlagError) Error() string {
	return fmt.Sprintf("both %q and %q request the boot flag, at most one partition may be bootable",
		e.First, e.Second)
}

// Compute lays out the requested volumes in the given total size, aligning
// every start offset and size to the alignment boundary. It is a pure
// function: no side effects, and the returned plan is never mutated by the
// rest of the pipeline.
func Compute(totalBytes uint64, table TableType, alignment uint64, requests []Request) (*ImagePlan, error) {
	if totalBytes == 0 {
		return nil, fmt.Errorf("image size must be greater than zero")
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("at least one partition is required")
	}
	if table != TableMBR && table != TableGPT {
		return nil, fmt.Errorf("unknown partition table type: %q", table)
	}
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if alignment%SectorSize != 0 {
		return nil, fmt.Errorf("alignment %d is not a multiple of the %d-byte sector size", alignment, SectorSize)
	}

	var (
		bootName      string
		remainingSeen bool
		requested     uint64
	)
	for i, req := range requests {
		if req.Name == "" {
			return nil, fmt.Errorf("partition %d has no name", i+1)
		}
		if req.Filesystem == "" {
			return nil, fmt.Errorf("partition %q has no filesystem type", req.Name)
		}
		if req.Boot {
			if bootName != "" {
				return nil, &InvalidBootFlagError{First: bootName, Second: req.Name}
			}
			bootName = req.Name
		}
		if req.Remaining {
			if remainingSeen {
				return nil, fmt.Errorf("more than one partition requests the remaining space")
			}
			if i != len(requests)-1 {
				return nil, fmt.Errorf("partition %q requests the remaining space but is not last", req.Name)
			}
			remainingSeen = true
			continue
		}
		if req.SizeBytes == 0 {
			return nil, fmt.Errorf("partition %q has zero size", req.Name)
		}
		// Bounds checks use subtraction so absurd sizes cannot wrap.
		if req.SizeBytes > totalBytes || req.SizeBytes > totalBytes-requested {
			return nil, &OversizedError{RequestedBytes: req.SizeBytes, TotalBytes: totalBytes}
		}
		requested += req.SizeBytes
	}

	if totalBytes < firstPartitionOffset || requested > totalBytes-firstPartitionOffset {
		return nil, &OversizedError{RequestedBytes: requested, TotalBytes: totalBytes}
	}

	p := &ImagePlan{
		TotalBytes: totalBytes,
		Table:      table,
		Alignment:  alignment,
	}

	cursor := alignUp(firstPartitionOffset, alignment)
	for _, req := range requests {
		start := alignUp(cursor, alignment)
		if start < cursor {
			return nil, &OversizedError{RequestedBytes: requested, TotalBytes: totalBytes}
		}
		var size uint64
		if req.Remaining {
			if start >= totalBytes {
				return nil, &OversizedError{RequestedBytes: requested, TotalBytes: totalBytes}
			}
			size = alignDown(totalBytes-start, alignment)
			if size == 0 {
				return nil, &OversizedError{RequestedBytes: requested, TotalBytes: totalBytes}
			}
		} else {
			size = alignUp(req.SizeBytes, alignment)
			if size < req.SizeBytes {
				return nil, &OversizedError{RequestedBytes: req.SizeBytes, TotalBytes: totalBytes}
			}
		}
		if size > totalBytes || start > totalBytes-size {
			return nil, &OversizedError{RequestedBytes: requested, TotalBytes: totalBytes}
		}
		p.Partitions = append(p.Partitions, Partition{
			Name:       req.Name,
			StartBytes: start,
			SizeBytes:  size,
			Filesystem: req.Filesystem,
			MountPoint: req.MountPoint,
			Boot:       req.Boot,
		})
		cursor = start + size
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the plan invariants: partitions sorted by start offset,
// pairwise non-overlapping, bounded by the total size, at most one bootable.
func (p *ImagePlan) Validate() error {
	var prevEnd uint64
	bootName := ""
	for _, part := range p.Partitions {
		if part.StartBytes < prevEnd {
			return fmt.Errorf("partition %q at offset %d overlaps the previous partition ending at %d",
				part.Name, part.StartBytes, prevEnd)
		}
		end := part.StartBytes + part.SizeBytes
		if end > p.TotalBytes {
			return fmt.Errorf("partition %q ends at %d, beyond image size %d", part.Name, end, p.TotalBytes)
		}
		if part.Boot {
			if bootName != "" {
				return &InvalidBootFlagError{First: bootName, Second: part.Name}
			}
			bootName = part.Name
		}
		prevEnd = end
	}
	return nil
}

// BootPartition returns the bootable partition, or nil if none is marked.
func (p *ImagePlan) BootPartition() *Partition {
	for i := range p.Partitions {
		if p.Partitions[i].Boot {
			return &p.Partitions[i]
		}
	}
	return nil
}

func alignUp(n, boundary uint64) uint64 {
	return (n + boundary - 1) / boundary * boundary
}

func alignDown(n, boundary uint64) uint64 {
	return n / boundary * boundary
}
