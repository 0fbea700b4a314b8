package blockalloc

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// dumpEncoder accumulates the hierarchical object every engine's
// dumpInto contributes to. Kept as a plain map + encoding/json rather
// than a bespoke writer.
type dumpEncoder struct {
	fields map[string]any
}

func (e *dumpEncoder) set(key string, value any) {
	e.fields[key] = value
}

// writeDump serialises fields as JSON to w, optionally brotli-
// compressing the payload first. Compression is useful for the
// bitmap and buddy engines, whose "bitmap" field is one character per
// block and can run into the megabytes for a large address space.
func writeDump(w io.Writer, fields map[string]any, compress bool) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("blockalloc: marshal dump: %w", err)
	}

	if !compress {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("blockalloc: write dump: %w", err)
		}
		return nil
	}

	bw := brotli.NewWriter(w)
	if _, err := bw.Write(payload); err != nil {
		bw.Close()
		return fmt.Errorf("blockalloc: write compressed dump: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("blockalloc: close compressed dump: %w", err)
	}
	return nil
}
