package image

import (
	"fmt"
	"os"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/google/uuid"

	"github.com/aserranoh/pimage/internal/plan"
	"github.com/aserranoh/pimage/internal/utils/logger"
)

// InsufficientSpaceError reports that the host filesystem could not honor
// even the sparse allocation of the backing file.
type InsufficientSpaceError struct {
	Path string
	Size uint64
	Err  error
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("cannot allocate %d-byte backing file %s: %v", e.Size, e.Path, e.Err)
}

func (e *InsufficientSpaceError) Unwrap() error { return e.Err }

// WriteError reports a failed partition table write. Allocate removes the
// backing file before returning it, so a failed allocation never leaves a
// file with a valid-looking but wrong table behind.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write partition table to %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Allocate creates a sparse backing file of exactly the planned total size
// and writes the partition table mirroring the plan's offsets, sizes and
// types.
func Allocate(path string, p *plan.ImagePlan) error {
	log := logger.Logger()
	log.Infof("Allocating %d-byte sparse image %s (%s table, %d partitions)",
		p.TotalBytes, path, p.Table, len(p.Partitions))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &InsufficientSpaceError{Path: path, Size: p.TotalBytes, Err: err}
	}
	if err := f.Truncate(int64(p.TotalBytes)); err != nil {
		f.Close()
		os.Remove(path)
		return &InsufficientSpaceError{Path: path, Size: p.TotalBytes, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return &InsufficientSpaceError{Path: path, Size: p.TotalBytes, Err: err}
	}

	if err := writeTable(path, p); err != nil {
		os.Remove(path)
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

func writeTable(path string, p *plan.ImagePlan) error {
	dsk, err := diskfs.Open(path, diskfs.WithSectorSize(diskfs.SectorSize512))
	if err != nil {
		return fmt.Errorf("open disk image: %w", err)
	}
	defer dsk.Close()

	sectorSize := uint64(dsk.LogicalBlocksize)

	switch p.Table {
	case plan.TableGPT:
		table := &gpt.Table{
			LogicalSectorSize:  int(dsk.LogicalBlocksize),
			PhysicalSectorSize: int(dsk.PhysicalBlocksize),
			ProtectiveMBR:      true,
		}
		for _, part := range p.Partitions {
			startLBA := part.StartBytes / sectorSize
			sizeLBA := part.SizeBytes / sectorSize
			table.Partitions = append(table.Partitions, &gpt.Partition{
				Start: startLBA,
				End:   startLBA + sizeLBA - 1,
				Size:  part.SizeBytes,
				Type:  gptType(part),
				Name:  part.Name,
				GUID:  strings.ToUpper(uuid.New().String()),
			})
		}
		return dsk.Partition(table)

	case plan.TableMBR:
		table := &mbr.Table{
			LogicalSectorSize:  int(dsk.LogicalBlocksize),
			PhysicalSectorSize: int(dsk.PhysicalBlocksize),
		}
		for _, part := range p.Partitions {
			table.Partitions = append(table.Partitions, &mbr.Partition{
				Bootable: part.Boot,
				Type:     mbrType(part),
				Start:    uint32(part.StartBytes / sectorSize),
				Size:     uint32(part.SizeBytes / sectorSize),
			})
		}
		return dsk.Partition(table)

	default:
		return fmt.Errorf("unknown partition table type: %q", p.Table)
	}
}

func gptType(p plan.Partition) gpt.Type {
	switch p.Filesystem {
	case "fat32", "vfat":
		if p.Boot {
			return gpt.EFISystemPartition
		}
		return gpt.MicrosoftBasicData
	default:
		return gpt.LinuxFilesystem
	}
}

func mbrType(p plan.Partition) mbr.Type {
	switch p.Filesystem {
	case "fat32", "vfat":
		return mbr.Fat32LBA
	default:
		return mbr.Linux
	}
}

// Entry is one partition-table entry read back from an image.
type Entry struct {
	Index      int
	Name       string
	StartBytes uint64
	SizeBytes  uint64
	Type       string
	Boot       bool
}

// Layout is the partition table of an existing image, as parsed back from
// disk.
type Layout struct {
	Table      plan.TableType
	TotalBytes uint64
	Entries    []Entry
}

// ReadLayout parses the partition table of an existing image. The result
// mirrors what Allocate wrote: offsets, sizes and types round-trip exactly.
func ReadLayout(path string) (*Layout, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat image %s: %w", path, err)
	}

	dsk, err := diskfs.Open(path, diskfs.WithSectorSize(diskfs.SectorSize512))
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer dsk.Close()

	table, err := dsk.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("no readable partition table in %s: %w", path, err)
	}

	layout := &Layout{TotalBytes: uint64(fi.Size())}
	sectorSize := uint64(dsk.LogicalBlocksize)

	switch t := table.(type) {
	case *gpt.Table:
		layout.Table = plan.TableGPT
		for i, part := range t.Partitions {
			if part.Type == gpt.Unused {
				continue
			}
			layout.Entries = append(layout.Entries, Entry{
				Index:      i + 1,
				Name:       part.Name,
				StartBytes: part.Start * sectorSize,
				SizeBytes:  (part.End - part.Start + 1) * sectorSize,
				Type:       string(part.Type),
				Boot:       part.Type == gpt.EFISystemPartition,
			})
		}
	case *mbr.Table:
		layout.Table = plan.TableMBR
		for i, part := range t.Partitions {
			if part == nil || part.Type == mbr.Empty {
				continue
			}
			layout.Entries = append(layout.Entries, Entry{
				Index:      i + 1,
				StartBytes: uint64(part.Start) * sectorSize,
				SizeBytes:  uint64(part.Size) * sectorSize,
				Type:       fmt.Sprintf("%02x", byte(part.Type)),
				Boot:       part.Bootable,
			})
		}
	default:
		return nil, fmt.Errorf("unsupported partition table type %q in %s", table.Type(), path)
	}

	return layout, nil
}
