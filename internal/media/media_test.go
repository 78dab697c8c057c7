package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"go.uber.org/goleak"
)

// The zstd decoder runs worker goroutines until it is closed, so leaks here
// mean a missing close somewhere in the install path.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func payload() []byte {
	data := make([]byte, 256*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func writeImage(t *testing.T, compression string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	switch compression {
	case "raw":
		if _, err := f.Write(data); err != nil {
			t.Fatal(err)
		}
	case "gz":
		gz := gzip.NewWriter(f)
		gz.Write(data)
		if err := gz.Close(); err != nil {
			t.Fatal(err)
		}
	case "xz":
		xw, err := xz.NewWriter(f)
		if err != nil {
			t.Fatal(err)
		}
		xw.Write(data)
		if err := xw.Close(); err != nil {
			t.Fatal(err)
		}
	case "zst":
		zw, err := zstd.NewWriter(f)
		if err != nil {
			t.Fatal(err)
		}
		zw.Write(data)
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestInstallDecompressesOnTheFly(t *testing.T) {
	data := payload()

	for _, compression := range []string{"raw", "gz", "xz", "zst"} {
		t.Run(compression, func(t *testing.T) {
			imagePath := writeImage(t, compression, data)

			// A regular file stands in for the block device.
			devicePath := filepath.Join(t.TempDir(), "device")
			if err := os.WriteFile(devicePath, nil, 0o644); err != nil {
				t.Fatal(err)
			}

			if err := Install(context.Background(), imagePath, devicePath); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			written, err := os.ReadFile(devicePath)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(written, data) {
				t.Fatalf("device content differs from image (%d bytes written, want %d)",
					len(written), len(data))
			}
		})
	}
}

func TestDecompressorReleasesDecoder(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write(payload()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	magic := bytes.Clone(buf.Bytes()[:6])
	reader, closeReader, err := decompressor(&buf, magic)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(io.Discard, reader); err != nil {
		t.Fatal(err)
	}

	closeReader()
	if _, err := reader.Read(make([]byte, 1)); !errors.Is(err, zstd.ErrDecoderClosed) {
		t.Fatalf("expected reads to fail with a closed decoder, got %v", err)
	}
}

func TestInstallMissingImage(t *testing.T) {
	devicePath := filepath.Join(t.TempDir(), "device")
	if err := os.WriteFile(devicePath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Install(context.Background(), filepath.Join(t.TempDir(), "nope.img"), devicePath); err == nil {
		t.Fatal("expected an error for a missing image")
	}
}

func TestInstallCancelled(t *testing.T) {
	imagePath := writeImage(t, "raw", payload())
	devicePath := filepath.Join(t.TempDir(), "device")
	if err := os.WriteFile(devicePath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Install(ctx, imagePath, devicePath); err == nil {
		t.Fatal("expected a cancelled install to fail")
	}
}
