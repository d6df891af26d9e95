package evaltrack

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Trace is the record of a single instrumented call: what went in, what came
// out, and when. Request is always a JSON object with an "args" key. Response
// is always a JSON object with either a "data" key, for calls that succeeded,
// or an "error" key, for calls that failed.
//
// Traces are immutable once constructed. The same value is handed to the
// current-trace slot and to the sink, and neither may modify it.
type Trace struct {
	ID        string          `json:"id"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewTrace constructs a trace with a fresh ID. The request and response values
// are JSON encoded immediately, and must encode to JSON objects. Both
// timestamps are set to at, in UTC.
func NewTrace(request, response any, at time.Time) (*Trace, error) {
	req, err := encodeObject(request)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	res, err := encodeObject(response)
	if err != nil {
		return nil, fmt.Errorf("response: %w", err)
	}

	at = at.UTC()

	return &Trace{
		ID:        newTraceID(at),
		Request:   req,
		Response:  res,
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}

// Validate returns an error wrapping ErrInvalidTrace if the trace is missing
// its ID or timestamps, or if its request or response isn't a JSON object.
func (tr *Trace) Validate() error {
	var problems []error

	if tr.ID == "" {
		problems = append(problems, errors.New("missing id"))
	}
	if !isObject(tr.Request) {
		problems = append(problems, errors.New("request is not a JSON object"))
	}
	if !isObject(tr.Response) {
		problems = append(problems, errors.New("response is not a JSON object"))
	}
	if tr.CreatedAt.IsZero() {
		problems = append(problems, errors.New("missing created_at"))
	}
	if tr.UpdatedAt.IsZero() {
		problems = append(problems, errors.New("missing updated_at"))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTrace, errors.Join(problems...))
	}

	return nil
}

// Args returns the decoded "args" value of the request.
func (tr *Trace) Args() (any, bool) {
	return field(tr.Request, requestArgsKey)
}

// Data returns the decoded "data" value of the response. It returns false for
// traces of failed calls.
func (tr *Trace) Data() (any, bool) {
	return field(tr.Response, responseDataKey)
}

// ErrorValue returns the decoded "error" value of the response. It returns
// false for traces of successful calls.
func (tr *Trace) ErrorValue() (any, bool) {
	return field(tr.Response, responseErrorKey)
}

// Failed returns true if the traced call returned an error.
func (tr *Trace) Failed() bool {
	_, ok := tr.ErrorValue()
	return ok
}

// String implements fmt.Stringer with a compact one-line summary.
func (tr *Trace) String() string {
	return fmt.Sprintf("%s %s request=%s response=%s", tr.ID, tr.CreatedAt.Format(time.RFC3339Nano), tr.Request, tr.Response)
}

//
//
//

const (
	requestArgsKey   = "args"
	requestNameKey   = "name"
	responseDataKey  = "data"
	responseErrorKey = "error"
)

var traceIDEntropy = ulid.DefaultEntropy()

// newTraceID returns a ULID for the given time. ULIDs sort lexically by time,
// and the shared monotonic entropy keeps IDs unique within a millisecond.
func newTraceID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), traceIDEntropy).String()
}

func encodeObject(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if !isObject(data) {
		return nil, fmt.Errorf("%w: not a JSON object", ErrSerialization)
	}
	return data, nil
}

func isObject(data json.RawMessage) bool {
	data = bytes.TrimSpace(data)
	return len(data) >= 2 && data[0] == '{' && json.Valid(data)
}

func field(data json.RawMessage, key string) (any, bool) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}
