package fileserve

import (
	"fmt"
	"io"
	"os"
)

// ChunkSize bounds how much of a file is held in memory at once while
// streaming (~20 MiB).
const ChunkSize = 20 * 1024 * 1024

// Stream copies the requested part of the file at path to w in ChunkSize
// reads. With a nil range the whole file is streamed. With an open-ended
// range it streams from Start to end of file. Returns the number of bytes
// written.
func Stream(w io.Writer, path string, rng *ByteRange) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var src io.Reader = f
	if rng != nil {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			return 0, fmt.Errorf("seek to %d: %w", rng.Start, err)
		}
		if rng.End != nil {
			src = io.LimitReader(f, rng.Length())
		}
	}

	n, err := io.CopyBuffer(w, src, make([]byte, ChunkSize))
	if err != nil {
		return n, fmt.Errorf("stream %s: %w", path, err)
	}
	return n, nil
}
