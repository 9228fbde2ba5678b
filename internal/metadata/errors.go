package metadata

import "fmt"

// ValidationError reports a required field that is missing or empty at
// construction time. The aggregate being built or mutated is left unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("metadata: %s is required", e.Field)
	}
	return fmt.Sprintf("metadata: %s %s", e.Field, e.Reason)
}

// UnknownAnnotationTypeError is returned when an annotation record carries a
// type tag that has no registered variant.
type UnknownAnnotationTypeError struct {
	Type string
}

func (e UnknownAnnotationTypeError) Error() string {
	return fmt.Sprintf("metadata: unknown annotation type %q", e.Type)
}

// MalformedDocumentError is returned when a metadata document or annotation
// record lacks an expected key or holds a value of the wrong shape.
type MalformedDocumentError struct {
	Key string
	Err error
}

func (e MalformedDocumentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("metadata: malformed document: missing %s", e.Key)
	}
	return fmt.Sprintf("metadata: malformed document: %s: %v", e.Key, e.Err)
}

func (e MalformedDocumentError) Unwrap() error { return e.Err }

func required(field, value string) error {
	if value == "" {
		return ValidationError{Field: field}
	}
	return nil
}
