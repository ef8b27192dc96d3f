package core_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"gridstore/internal/core"

	"github.com/stretchr/testify/require"
)

func TestCreateMultipleParts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := NewTestStore(t)

	parts := []testPart{
		{filename: "one.txt", contentType: "text/plain", body: strings.Repeat("1", 40)},
		{field: "note", body: "form fields are not files"},
		{filename: "two.bin", body: strings.Repeat("2", 7)},
		{filename: "three%2Bfour.json", contentType: "application/json", body: `{"n":3}`},
	}
	body, contentType := multipartBody(t, parts...)

	records, err := store.Create(ctx, bytes.NewReader(body), contentType, map[string]any{"batch": "b1"})
	require.NoError(t, err, "Create error")
	require.Len(t, records, 3, "one record per file part")

	require.Equal(t, "one.txt", records[0]["filename"], "records keep part order")
	require.Equal(t, "two.bin", records[1]["filename"])
	require.Equal(t, "three+four.json", records[2]["filename"])
	require.Equal(t, core.DefaultMimeType, records[1]["mimetype"], "missing content type")
	require.Equal(t, "application/json", records[2]["mimetype"])

	want := map[string]string{
		"one.txt":         parts[0].body,
		"two.bin":         parts[2].body,
		"three+four.json": parts[3].body,
	}
	for _, r := range records {
		require.Equal(t, "b1", r["batch"])

		sink := &recordingSink{}
		require.NoError(t, store.Stream(ctx, recordID(t, r), sink), "Stream error")
		require.Equal(t, want[r["filename"].(string)], sink.body.String(), "payload of %s", r["filename"])
	}

	n, err := store.Count(ctx, core.Filter{Where: map[string]any{"batch": "b1"}})
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestCreateDoesNotModifyBase(t *testing.T) {
	t.Parallel()

	store, _ := NewTestStore(t)
	base := map[string]any{"owner": "alice"}

	createParts(t, store, base, testPart{filename: "a.txt", body: "a"}, testPart{filename: "b.txt", body: "b"})
	require.Equal(t, map[string]any{"owner": "alice"}, base)
}

func TestCreateZeroParts(t *testing.T) {
	t.Parallel()

	store, _ := NewTestStore(t)
	body, contentType := multipartBody(t)

	records, err := store.Create(context.Background(), bytes.NewReader(body), contentType, nil)
	require.NoError(t, err, "an empty body is a successful ingestion")
	require.Empty(t, records)
}

func TestCreateEmptyBody(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := NewTestStore(t)

	records, err := store.Create(ctx, bytes.NewReader(nil), "multipart/form-data; boundary=xyz", nil)
	require.NoError(t, err, "a zero-byte body holds zero parts")
	require.NotNil(t, records)
	require.Empty(t, records)

	// A body cut off before its first boundary is still malformed.
	records, err = store.Create(ctx, strings.NewReader("--xy"), "multipart/form-data; boundary=xyz", nil)
	require.ErrorIs(t, err, core.ErrParse, "truncated preamble")
	require.Empty(t, records)
}

func TestCreateMalformedHeader(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := NewTestStore(t)
	body, _ := multipartBody(t, testPart{filename: "a.txt", body: "a"})

	for _, contentType := range []string{
		"",
		"multipart/form-data",
		"text/plain",
		"multipart/form-data; boundary=\"unterminated",
	} {
		records, err := store.Create(ctx, bytes.NewReader(body), contentType, nil)
		require.ErrorIs(t, err, core.ErrParse, "content type %q", contentType)
		require.Nil(t, records)
	}

	n, err := store.Count(ctx, core.Filter{})
	require.NoError(t, err)
	require.Zero(t, n, "nothing may be written for a malformed header")
}

func TestCreateTruncatedPart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := NewTestStore(t)

	body, contentType := multipartBody(t,
		testPart{filename: "a.bin", body: strings.Repeat("a", 50)},
		testPart{filename: "b.bin", body: strings.Repeat("b", 50)},
		testPart{filename: "c.bin", body: strings.Repeat("c", 1000)},
	)
	// Cut the body in the middle of the third part.
	truncated := body[:len(body)-500]

	records, err := store.Create(ctx, bytes.NewReader(truncated), contentType, nil)
	require.Error(t, err, "a truncated part must fail the ingestion")

	var ierr *core.IngestError
	require.True(t, errors.As(err, &ierr), "error should be an *IngestError")
	require.True(t, ierr.Partial(), "other parts were stored")
	require.Len(t, ierr.Failures, 1)
	require.Equal(t, 2, ierr.Failures[0].Index)
	require.Equal(t, "c.bin", ierr.Failures[0].Filename)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF, "first failure is the read error")

	require.Len(t, records, 2, "stored parts are returned alongside the error")
	require.Equal(t, ierr.Succeeded, records)
	require.Equal(t, "a.bin", records[0]["filename"])
	require.Equal(t, "b.bin", records[1]["filename"])

	all, err := store.Find(ctx, core.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2, "the aborted part is not visible and stored parts are kept")
}

func TestCreateWriteFailureContinues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFaultyStore(t, &faultyEngine{failWriteFor: "bad.bin"})

	body, contentType := multipartBody(t,
		testPart{filename: "good1.bin", body: "first"},
		testPart{filename: "bad.bin", body: strings.Repeat("x", 200)},
		testPart{filename: "good2.bin", body: "third"},
	)

	records, err := store.Create(ctx, bytes.NewReader(body), contentType, nil)
	require.ErrorIs(t, err, errInjected)

	var ierr *core.IngestError
	require.True(t, errors.As(err, &ierr))
	require.Len(t, ierr.Failures, 1)
	require.Equal(t, 1, ierr.Failures[0].Index)
	require.Equal(t, "bad.bin", ierr.Failures[0].Filename)

	require.Len(t, records, 2, "parts after a failed write are still ingested")
	require.Equal(t, "good1.bin", records[0]["filename"])
	require.Equal(t, "good2.bin", records[1]["filename"])
}

func TestCreateOpenFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFaultyStore(t, &faultyEngine{failUploadFor: "a.bin"})

	body, contentType := multipartBody(t,
		testPart{filename: "a.bin", body: "a"},
		testPart{filename: "b.bin", body: "b"},
	)

	records, err := store.Create(ctx, bytes.NewReader(body), contentType, nil)
	require.ErrorIs(t, err, errInjected)
	require.Len(t, records, 1)
	require.Equal(t, "b.bin", records[0]["filename"])
}

func TestCreateBrokenBoundary(t *testing.T) {
	t.Parallel()

	store, _ := NewTestStore(t)
	body, _ := multipartBody(t, testPart{filename: "a.txt", body: "a"})

	// A well-formed header whose boundary never appears in the body.
	records, err := store.Create(context.Background(), bytes.NewReader(body), "multipart/form-data; boundary=nope", nil)
	require.ErrorIs(t, err, core.ErrParse)
	require.Empty(t, records)
}
