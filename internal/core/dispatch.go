package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Verb is the intent of the call a dispatch runs for.
type Verb int

const (
	VerbRead Verb = iota
	VerbUpdate
	VerbDelete
)

func (v Verb) String() string {
	switch v {
	case VerbUpdate:
		return "update"
	case VerbDelete:
		return "delete"
	default:
		return "read"
	}
}

// StreamHeader describes a raw byte response before its first byte.
type StreamHeader struct {
	Filename    string
	ContentType string
	Length      int64
}

// Sink receives the outcome of one dispatched call.
type Sink interface {
	// Send emits structured data: a record or a list of records.
	Send(v any) error

	// SendEmpty signals success without a body.
	SendEmpty() error

	// OpenStream announces a raw byte response and returns the writer for
	// its body.
	OpenStream(h StreamHeader) (io.Writer, error)
}

// CallContext carries everything a dispatch needs to know about the call
// that triggered it. It is built per call and never shared.
type CallContext struct {
	Verb     Verb
	Download bool
	Patch    map[string]any
	Sink     Sink
}

// Action is what a dispatch does with its matched records.
type Action int

const (
	ActionEmit Action = iota
	ActionDelete
	ActionUpdate
	ActionDownload
)

func (a Action) String() string {
	switch a {
	case ActionDelete:
		return "delete"
	case ActionUpdate:
		return "update"
	case ActionDownload:
		return "download"
	default:
		return "emit"
	}
}

// Decide picks the action for a call that matched the given number of
// records. Without a match there is nothing to delete, update or download,
// so the result is always ActionEmit.
func Decide(cc CallContext, matched int) Action {
	if matched == 0 {
		return ActionEmit
	}

	switch {
	case cc.Verb == VerbDelete:
		return ActionDelete
	case cc.Verb == VerbUpdate:
		return ActionUpdate
	case cc.Download:
		return ActionDownload
	default:
		return ActionEmit
	}
}

// DispatchFind runs Find and acts on the first match according to cc. With
// no match an empty list is emitted whatever the verb.
func (s *Store) DispatchFind(ctx context.Context, f Filter, cc CallContext) error {
	records, err := s.Find(ctx, f)
	if err != nil {
		return err
	}

	action := Decide(cc, len(records))
	if action == ActionEmit {
		return send(cc, records)
	}
	return s.apply(ctx, action, records[0], cc)
}

// DispatchFindOne runs FindOne and acts on the match according to cc.
func (s *Store) DispatchFindOne(ctx context.Context, f Filter, cc CallContext) error {
	record, err := s.FindOne(ctx, f)
	if err != nil {
		return err
	}

	action := Decide(cc, 1)
	if action == ActionEmit {
		return send(cc, record)
	}
	return s.apply(ctx, action, record, cc)
}

// DispatchFindByID runs FindByID and acts on the record according to cc.
func (s *Store) DispatchFindByID(ctx context.Context, id string, cc CallContext) error {
	record, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}

	action := Decide(cc, 1)
	if action == ActionEmit {
		return send(cc, record)
	}
	return s.apply(ctx, action, record, cc)
}

func (s *Store) apply(ctx context.Context, action Action, record Record, cc CallContext) error {
	id, ok := record.ID()
	if !ok {
		return errors.New("matched record carries no id")
	}

	slog.Debug("Dispatch", "action", action, "id", id)

	switch action {
	case ActionDelete:
		if err := s.DeleteByID(ctx, id); err != nil {
			return err
		}
		if cc.Sink == nil {
			return nil
		}
		return cc.Sink.SendEmpty()

	case ActionUpdate:
		updated, err := s.Update(ctx, id, cc.Patch)
		if err != nil {
			return err
		}
		return send(cc, updated)

	case ActionDownload:
		if cc.Sink == nil {
			return errors.New("download requires a sink")
		}
		return s.Stream(ctx, id, cc.Sink)
	}

	return fmt.Errorf("unexpected action %s", action)
}

func send(cc CallContext, v any) error {
	if cc.Sink == nil {
		return nil
	}
	return cc.Sink.Send(v)
}
