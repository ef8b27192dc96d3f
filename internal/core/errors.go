package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gridstore/internal/storage"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrNotFound is returned when no owned record matches a point lookup.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidIdentity is returned when an id cannot be parsed as an
	// ObjectID.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrParse is returned when a multipart body cannot be decoded.
	ErrParse = errors.New("malformed multipart body")

	// ErrInvalidFilter is returned for filters with an unusable shape.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrPartialFailure is matched by a DeleteError when only one of the
	// two deletes succeeded.
	ErrPartialFailure = errors.New("partial failure")
)

// DeleteError reports the outcome of the two independent deletes performed
// by DeleteByID. A nil field means that half succeeded.
type DeleteError struct {
	ID        primitive.ObjectID
	ChunksErr error
	FileErr   error
}

func (e *DeleteError) Error() string {
	switch {
	case e.ChunksErr != nil && e.FileErr != nil:
		return fmt.Sprintf("delete %s: chunks: %v; file: %v", e.ID.Hex(), e.ChunksErr, e.FileErr)
	case e.ChunksErr != nil:
		return fmt.Sprintf("delete %s: file removed but chunks remain: %v", e.ID.Hex(), e.ChunksErr)
	default:
		return fmt.Sprintf("delete %s: chunks removed but file remains: %v", e.ID.Hex(), e.FileErr)
	}
}

// Is reports ErrPartialFailure when exactly one half failed.
func (e *DeleteError) Is(target error) bool {
	return target == ErrPartialFailure && (e.ChunksErr == nil) != (e.FileErr == nil)
}

func (e *DeleteError) Unwrap() []error {
	var errs []error
	if e.ChunksErr != nil {
		errs = append(errs, e.ChunksErr)
	}
	if e.FileErr != nil {
		errs = append(errs, e.FileErr)
	}
	return errs
}

// PartFailure describes one multipart part that could not be stored.
type PartFailure struct {
	Index    int
	Filename string
	Err      error
}

// IngestError is returned by Create when at least one part failed. Parts
// that were stored before or alongside the failure are not rolled back and
// are listed in Succeeded.
type IngestError struct {
	Succeeded []Record
	Failures  []PartFailure
}

func (e *IngestError) Error() string {
	if len(e.Failures) == 0 {
		return "ingest: no failures"
	}

	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, fmt.Sprintf("%d:%q", f.Index, f.Filename))
	}
	return fmt.Sprintf("ingest: %d of %d parts failed [%s], %d stored: %v",
		len(e.Failures), len(e.Failures)+len(e.Succeeded),
		strings.Join(names, " "), len(e.Succeeded), e.Failures[0].Err)
}

// Unwrap returns the first failure observed.
func (e *IngestError) Unwrap() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[0].Err
}

// Partial reports whether some parts were stored despite the failure.
func (e *IngestError) Partial() bool {
	return len(e.Succeeded) > 0
}

// StatusCode maps an error to the HTTP status a host should answer with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidIdentity),
		errors.Is(err, ErrParse),
		errors.Is(err, ErrInvalidFilter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
