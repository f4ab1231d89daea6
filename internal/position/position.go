package position

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Raw is a single unparsed location report as decoded from JSON.
// Devices and upstream adapters are loose about field names; the
// processor owns normalization.
type Raw map[string]any

// Position is a normalized GPS record. Immutable once produced by the
// processor.
type Position struct {
	DeviceID   string         `json:"device_id"`
	Lat        float64        `json:"lat"`
	Lng        float64        `json:"lng"`
	Timestamp  time.Time      `json:"timestamp"`
	ReceivedAt time.Time      `json:"received_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// MaxDeviceIDLen bounds device identifiers; anything longer is rejected.
const MaxDeviceIDLen = 50

// ErrDuplicate marks a report that is near-identical to the device's
// previous one. It is an acknowledged non-ingest, not a failure.
var ErrDuplicate = errors.New("duplicate position")

// FieldError is one validation failure with the offending field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// InvalidError aggregates every validation failure for a single report
// so the adapter can surface the full detail list.
type InvalidError struct {
	Fields []FieldError
}

func (e *InvalidError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Reason)
	}
	return "invalid position: " + strings.Join(parts, "; ")
}

// AsInvalid unwraps err into an *InvalidError when it is one.
func AsInvalid(err error) (*InvalidError, bool) {
	var ie *InvalidError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// BatchError ties a rejected report to its index in the submitted batch.
type BatchError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult is the outcome of ProcessBatch. Accepted, Duplicates and
// Errors partition the input: len(Accepted)+Duplicates+len(Errors) equals
// the number of submitted reports.
type BatchResult struct {
	Accepted   []*Position
	Duplicates int
	Errors     []BatchError
}
