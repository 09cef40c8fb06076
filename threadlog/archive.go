package threadlog

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
)

// ArchiveStats describes one archive operation.
type ArchiveStats struct {
	Source          string
	Destination     string
	BytesIn         int64
	BytesOut        int64
	RemovedOriginal bool
}

// Archive zstd-compresses the finished log at src into dst. An empty dst
// means src + ".zst". When remove is set the original is deleted after a
// successful write.
func Archive(src, dst string, remove bool) (stats ArchiveStats, err error) {
	if dst == "" {
		dst = src + ".zst"
	}
	stats = ArchiveStats{Source: src, Destination: dst}

	in, err := os.Open(src)
	if err != nil {
		return stats, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return stats, fmt.Errorf("create archive: %w", err)
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = out.Close()
		return stats, fmt.Errorf("create zstd encoder: %w", err)
	}

	n, copyErr := io.Copy(enc, in)
	stats.BytesIn = n
	if err := multierr.Combine(copyErr, enc.Close(), out.Sync(), out.Close()); err != nil {
		_ = os.Remove(dst)
		return stats, fmt.Errorf("write archive: %w", err)
	}

	if info, err := os.Stat(dst); err == nil {
		stats.BytesOut = info.Size()
	}

	if remove {
		if err := os.Remove(src); err != nil {
			return stats, fmt.Errorf("remove original: %w", err)
		}
		stats.RemovedOriginal = true
	}
	return stats, nil
}
