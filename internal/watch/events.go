// Package watch turns storage change notifications into CloudEvents delivered
// on a channel.
package watch

import (
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Op is the kind of change a FileEvent reports.
type Op string

const (
	OpCreated  Op = "created"
	OpModified Op = "modified"
)

const (
	TypeFileCreated  = "dev.scanwatch.file.created"
	TypeFileModified = "dev.scanwatch.file.modified"
	// TypeGCSFinalized is emitted by Cloud Storage when an object is written.
	TypeGCSFinalized = "google.cloud.storage.object.v1.finalized"

	SourceLocal = "scanwatch/local"
)

// ErrIgnoredEvent is returned by ParseFileEvent for event types the pipeline
// does not react to.
var ErrIgnoredEvent = errors.New("event type is not a file change")

// FileEvent is the decoded payload of a file change notification.
type FileEvent struct {
	Op   Op
	Path string
}

type fileEventData struct {
	Path string `json:"path"`
}

// GCSEvent is the payload of a Cloud Storage object event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// NewFileEvent wraps a change of p into a CloudEvent.
func NewFileEvent(source string, op Op, p string) cloudevents.Event {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(source)
	e.SetTime(time.Now())
	if op == OpModified {
		e.SetType(TypeFileModified)
	} else {
		e.SetType(TypeFileCreated)
	}
	// Marshalling a struct of strings cannot fail.
	_ = e.SetData(cloudevents.ApplicationJSON, fileEventData{Path: p})
	return e
}

// ParseFileEvent decodes a CloudEvent produced by NewFileEvent or by Cloud
// Storage. Other event types yield ErrIgnoredEvent.
func ParseFileEvent(e cloudevents.Event) (FileEvent, error) {
	switch e.Type() {
	case TypeFileCreated, TypeFileModified:
		var data fileEventData
		if err := e.DataAs(&data); err != nil {
			return FileEvent{}, fmt.Errorf("failed to decode file event %s: %w", e.ID(), err)
		}
		op := OpCreated
		if e.Type() == TypeFileModified {
			op = OpModified
		}
		return FileEvent{Op: op, Path: data.Path}, nil
	case TypeGCSFinalized:
		var data GCSEvent
		if err := e.DataAs(&data); err != nil {
			return FileEvent{}, fmt.Errorf("failed to decode storage event %s: %w", e.ID(), err)
		}
		if data.Name == "" {
			return FileEvent{}, fmt.Errorf("storage event %s has no object name", e.ID())
		}
		// Cloud Storage reports overwrites as a new finalized generation.
		return FileEvent{Op: OpCreated, Path: data.Name}, nil
	default:
		return FileEvent{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, e.Type())
	}
}
