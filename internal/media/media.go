package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"

	"github.com/aserranoh/pimage/internal/utils/logger"
)

// Install writes an image file to a block device (typically removable
// media), transparently decompressing gzip, xz or zstd images, and syncs
// the device before returning.
func Install(ctx context.Context, imagePath, devicePath string) error {
	log := logger.Logger()

	src, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("failed to open image %s: %w", imagePath, err)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat image %s: %w", imagePath, err)
	}

	magic := make([]byte, 6)
	if _, err := io.ReadFull(src, magic); err != nil {
		return fmt.Errorf("failed to read image %s: %w", imagePath, err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind image %s: %w", imagePath, err)
	}

	dst, err := os.OpenFile(devicePath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open device %s: %w", devicePath, err)
	}
	defer dst.Close()

	// The bar tracks bytes consumed from the image file, so it finishes at
	// 100% for compressed and raw images alike.
	bar := progressbar.NewOptions64(fi.Size(),
		progressbar.OptionSetDescription(fmt.Sprintf("writing %s", devicePath)),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
	)

	reader, closeReader, err := decompressor(io.TeeReader(src, bar), magic)
	if err != nil {
		return fmt.Errorf("failed to read image %s: %w", imagePath, err)
	}
	defer closeReader()

	log.Infof("Writing %s to %s", imagePath, devicePath)
	if _, err := copyWithContext(ctx, dst, reader); err != nil {
		return fmt.Errorf("failed to write image to %s: %w", devicePath, err)
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", devicePath, err)
	}
	bar.Finish()
	log.Infof("Image written to %s", devicePath)
	return nil
}

// decompressor wraps the reader according to the image's magic bytes. Raw
// images pass through unchanged. The returned func releases whatever the
// wrapper holds (the zstd decoder runs goroutines until closed).
func decompressor(r io.Reader, magic []byte) (io.Reader, func(), error) {
	noop := func() {}
	switch {
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return gz, func() { gz.Close() }, nil
	case bytes.HasPrefix(magic, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}):
		xr, err := xz.NewReader(r)
		return xr, noop, err
	case bytes.HasPrefix(magic, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return zr.IOReadCloser(), zr.Close, nil
	default:
		return r, noop, nil
	}
}

// copyWithContext copies in chunks, aborting between chunks when the
// context is cancelled.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 1<<20)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
