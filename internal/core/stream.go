package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Stream writes the bytes of the owned record id to sink. The stream header
// is sent once the blob has been opened and before its first byte. A failure
// after the header has been sent cannot be reported to the sink and only
// surfaces as the returned error.
func (s *Store) Stream(ctx context.Context, id string, sink Sink) error {
	f, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}

	rc, err := s.engine.OpenDownloadStream(ctx, f.ID)
	if err != nil {
		return fmt.Errorf("open download %s: %w", id, err)
	}
	defer rc.Close()

	header := StreamHeader{
		Filename:    f.Filename,
		ContentType: DefaultMimeType,
		Length:      f.Length,
	}
	if name, ok := f.Metadata["filename"].(string); ok && name != "" {
		header.Filename = name
	}
	if mt, ok := f.Metadata["mimetype"].(string); ok && mt != "" {
		header.ContentType = mt
	}

	w, err := sink.OpenStream(header)
	if err != nil {
		return fmt.Errorf("open sink for %s: %w", id, err)
	}

	n, err := io.Copy(w, rc)
	if err != nil {
		slog.Error("Stream file", "id", id, "sent", n, "length", f.Length, "err", err)
		return fmt.Errorf("stream %s: %w", id, err)
	}
	return nil
}
