package control

import "fmt"

// Warning is a non-fatal diagnostic surfaced through the channel's warning
// handler. Warnings are never returned as call errors.
type Warning interface {
	error
	warning()
}

// LossOfPrecisionWarning reports that a float argument was truncated to six
// decimal places before sending and the truncation changed its value.
type LossOfPrecisionWarning struct {
	Value float64
	Text  string
}

func (w *LossOfPrecisionWarning) Error() string {
	return fmt.Sprintf("loss of precision from %v to %s", w.Value, w.Text)
}
func (*LossOfPrecisionWarning) warning() {}

// CaughtNonExceptionWarning reports a structurally incomplete failure
// record. The worker boundary cannot distinguish a real failure object
// from a contrived lookalike, so the record is zero-filled and flagged
// rather than trusted.
type CaughtNonExceptionWarning struct {
	Fields []string
}

func (w *CaughtNonExceptionWarning) Error() string {
	return fmt.Sprintf("caught a structurally incomplete failure record (fields %q); missing fields are zero-filled", w.Fields)
}
func (*CaughtNonExceptionWarning) warning() {}

// NewlineNormalizedWarning reports that the worker normalized line endings
// in a result.
type NewlineNormalizedWarning struct {
	Detail string
}

func (w *NewlineNormalizedWarning) Error() string {
	return "worker normalized newlines in a result: " + w.Detail
}
func (*NewlineNormalizedWarning) warning() {}

// GroupCapabilityWarning reports that the host could not provide the full
// process-group termination guarantees; the channel still works, with the
// named capability unavailable.
type GroupCapabilityWarning struct {
	Detail string
}

func (w *GroupCapabilityWarning) Error() string {
	return "reduced process-group guarantees: " + w.Detail
}
func (*GroupCapabilityWarning) warning() {}

// GenericWarning carries a worker warning with no registered variant.
// Unknown warning payloads are ignored rather than raised.
type GenericWarning struct {
	Tag     string
	Message string
}

func (w *GenericWarning) Error() string {
	return fmt.Sprintf("worker warning %s: %s", w.Tag, w.Message)
}
func (*GenericWarning) warning() {}
