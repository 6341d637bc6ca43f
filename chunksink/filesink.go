// Package chunksink provides a reference implementation of the Chunk
// sink contract (§6). Production deployments are expected to bring
// their own sink (e.g. backed by the host app's document store); this
// one exists so the streaming pipeline in mtp/stream.go is testable
// end-to-end without a GUI/store harness.
package chunksink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends each chunk as its own numbered file under
// Dir/<deviceSerial>/, named chunk-%08d.bin. It satisfies
// mtp.ChunkSink.
type FileSink struct {
	Dir string

	mu sync.Mutex
}

// NewFileSink ensures dir exists and returns a sink rooted there.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunksink: %w", err)
	}
	return &FileSink{Dir: dir}, nil
}

// Append durably writes one chunk file. Chunk indices are expected to
// arrive in increasing order per deviceSerial (the streaming pipeline
// guarantees this); Append does not itself enforce ordering beyond
// serializing concurrent writers across all devices with a single
// mutex, since a recorder's audio download is one object at a time.
func (s *FileSink) Append(ctx context.Context, deviceSerial string, chunkIndex int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.Dir, deviceSerial)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("chunksink: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("chunk-%08d.bin", chunkIndex))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("chunksink: write %s: %w", path, err)
	}
	return nil
}
