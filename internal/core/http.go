package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
)

// maxPatchBytes bounds the JSON body accepted as an update patch.
const maxPatchBytes = 1 << 20

// NewCallContext derives the call context of an HTTP request: DELETE means
// delete, PUT and PATCH mean update with the JSON body as patch, and a
// "download" query parameter asks for the raw bytes. Responses go to w.
func NewCallContext(r *http.Request, w http.ResponseWriter) (CallContext, error) {
	cc := CallContext{
		Verb:     VerbRead,
		Download: r.URL.Query().Has("download"),
		Sink:     NewResponseSink(w),
	}

	switch r.Method {
	case http.MethodDelete:
		cc.Verb = VerbDelete
	case http.MethodPut, http.MethodPatch:
		cc.Verb = VerbUpdate
		patch, err := decodePatch(r.Body)
		if err != nil {
			return CallContext{}, err
		}
		cc.Patch = patch
	}
	return cc, nil
}

func decodePatch(body io.Reader) (map[string]any, error) {
	if body == nil {
		return map[string]any{}, nil
	}

	data, err := io.ReadAll(io.LimitReader(body, maxPatchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read patch: %w", err)
	}
	if len(data) > maxPatchBytes {
		return nil, fmt.Errorf("%w: patch larger than %d bytes", ErrInvalidFilter, maxPatchBytes)
	}

	patch := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return patch, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&patch); err != nil {
		return nil, fmt.Errorf("%w: patch: %v", ErrInvalidFilter, err)
	}
	return patch, nil
}

// ResponseSink is a Sink writing to an http.ResponseWriter.
type ResponseSink struct {
	w http.ResponseWriter
}

func NewResponseSink(w http.ResponseWriter) *ResponseSink {
	return &ResponseSink{w: w}
}

// Send writes v as JSON.
func (s *ResponseSink) Send(v any) error {
	s.w.Header().Set("Content-Type", "application/json")
	s.w.WriteHeader(http.StatusOK)
	return json.NewEncoder(s.w).Encode(v)
}

// SendEmpty answers 204 No Content.
func (s *ResponseSink) SendEmpty() error {
	s.w.WriteHeader(http.StatusNoContent)
	return nil
}

// OpenStream writes the download headers and returns the body writer.
func (s *ResponseSink) OpenStream(h StreamHeader) (io.Writer, error) {
	header := s.w.Header()
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": h.Filename}))
	header.Set("Content-Type", h.ContentType)
	header.Set("Content-Length", strconv.FormatInt(h.Length, 10))
	s.w.WriteHeader(http.StatusOK)
	return s.w, nil
}

type errorBody struct {
	Error  string   `json:"error"`
	Status int      `json:"status"`
	Stored []Record `json:"stored,omitempty"`
}

// WriteError answers with the status StatusCode picks for err and a JSON
// body describing it. Records stored by a partially failed ingestion are
// listed in the body.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusCode(err)

	body := errorBody{Error: err.Error(), Status: status}
	var ierr *IngestError
	if errors.As(err, &ierr) {
		body.Stored = ierr.Succeeded
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to write error response", "err", err)
	}
}
