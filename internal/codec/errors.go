package codec

import "fmt"

// InvalidFieldError reports a field that cannot be encoded. It is the
// caller's fault and is never retried.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

// CorruptPayloadError reports bytes that are not a well-formed update.
type CorruptPayloadError struct {
	Reason string
	Err    error
}

func (e *CorruptPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt payload: %s: %v", e.Reason, e.Err)
	}
	return "corrupt payload: " + e.Reason
}

func (e *CorruptPayloadError) Unwrap() error { return e.Err }

// SchemaMismatchError reports a well-formed payload whose required field is
// absent or carries a value outside its domain.
type SchemaMismatchError struct {
	Field  string
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch on %s: %s", e.Field, e.Reason)
}
