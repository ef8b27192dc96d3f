package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime"
	"mime/multipart"
	"net/url"
	"slices"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

// DefaultMimeType is recorded for parts that declare no content type.
const DefaultMimeType = "application/octet-stream"

// multipartBoundary validates contentType and returns its boundary.
func multipartBoundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("%w: unexpected content type %q", ErrParse, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("%w: missing boundary", ErrParse)
	}
	return boundary, nil
}

// partFilename returns the filename declared by a part, as sent. An empty
// result means the part is a plain form field.
func partFilename(part *multipart.Part) string {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err == nil {
		if name, ok := params["filename"]; ok {
			return name
		}
	}
	return part.FileName()
}

// ingestion collects the outcome of every part of one Create call.
type ingestion struct {
	mu        sync.Mutex
	succeeded map[int]Record
	failures  []PartFailure
}

func (in *ingestion) succeed(index int, r Record) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.succeeded[index] = r
}

func (in *ingestion) fail(index int, filename string, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.failures = append(in.failures, PartFailure{Index: index, Filename: filename, Err: err})
}

func (in *ingestion) records() []Record {
	indexes := slices.Sorted(maps.Keys(in.succeeded))
	out := make([]Record, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, in.succeeded[i])
	}
	return out
}

// countingReader counts the bytes read from the wrapped reader.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// trackingReader remembers the first read error of the wrapped reader.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

// Create stores every file part of the multipart body as a new record.
// Each part's metadata is base plus the ownership marker, the percent-decoded
// filename and the part's content type. Parts are piped into their upload
// streams as they arrive; uploads finish concurrently and Create waits for
// all of them.
//
// When any part fails the error is an *IngestError and the records stored
// for the other parts are returned alongside it; they are not rolled back.
// A malformed content type fails with ErrParse before anything is written.
func (s *Store) Create(ctx context.Context, body io.Reader, contentType string, base map[string]any) ([]Record, error) {
	boundary, err := multipartBoundary(contentType)
	if err != nil {
		return nil, err
	}

	in := &ingestion{succeeded: map[int]Record{}}
	counted := &countingReader{r: body}
	mr := multipart.NewReader(counted, boundary)

	var g errgroup.Group
	index := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.EOF) && counted.n == 0 {
			// An empty body carries zero parts.
			break
		}
		if err != nil {
			in.fail(index, "", fmt.Errorf("%w: %v", ErrParse, err))
			break
		}

		rawName := partFilename(part)
		if rawName == "" {
			_ = part.Close()
			continue
		}

		i := index
		index++

		broken := s.ingestPart(ctx, &g, in, i, rawName, part, base)
		_ = part.Close()
		if broken {
			// The body can no longer be split into parts.
			break
		}
	}

	_ = g.Wait()

	records := in.records()
	if len(in.failures) > 0 {
		ierr := &IngestError{Succeeded: records, Failures: in.failures}
		slog.Error("Ingest multipart body", "stored", len(records), "failed", len(in.failures), "err", ierr)
		return records, ierr
	}

	slog.Debug("Ingest multipart body", "stored", len(records))
	return records, nil
}

// ingestPart pipes one part into a new upload stream. It returns true when
// reading the part failed, which leaves the multipart body unusable.
func (s *Store) ingestPart(ctx context.Context, g *errgroup.Group, in *ingestion, index int, rawName string, part *multipart.Part, base map[string]any) bool {
	filename, err := url.PathUnescape(rawName)
	if err != nil {
		filename = rawName
	}

	mimetype := part.Header.Get("Content-Type")
	if mimetype == "" {
		mimetype = DefaultMimeType
	}

	md := bson.M{}
	for k, v := range base {
		md[k] = normalizeValue(v)
	}
	md[s.marker] = true
	md["filename"] = filename
	md["mimetype"] = mimetype

	id := s.newID()
	stream, err := s.engine.OpenUploadStream(ctx, id, rawName, md)
	if err != nil {
		in.fail(index, filename, fmt.Errorf("open upload stream: %w", err))
		src := &trackingReader{r: part}
		_, _ = io.Copy(io.Discard, src)
		return src.err != nil
	}

	pr, pw := io.Pipe()
	g.Go(func() error {
		if _, err := io.Copy(stream, pr); err != nil {
			// Unblock the producer if the write side gave up first.
			_ = pr.CloseWithError(err)
			if abortErr := stream.Abort(); abortErr != nil {
				slog.Error("Abort upload stream", "id", id.Hex(), "err", abortErr)
			}
			in.fail(index, filename, err)
			return err
		}
		if err := stream.Close(); err != nil {
			in.fail(index, filename, err)
			return err
		}
		in.succeed(index, Project(FromFile(stream.File()), s.marker))
		return nil
	})

	src := &trackingReader{r: part}
	_, copyErr := io.Copy(pw, src)
	if src.err != nil {
		_ = pw.CloseWithError(fmt.Errorf("read part %q: %w", filename, src.err))
		return true
	}
	if copyErr != nil {
		// The upload failed and already recorded the failure; the rest of
		// the part is skipped by NextPart.
		return false
	}
	_ = pw.Close()
	return false
}
