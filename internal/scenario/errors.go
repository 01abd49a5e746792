package scenario

import "fmt"

// NotFoundError reports a scenario or test id with no backing file.
type NotFoundError struct {
	Kind string // "scenario" or "test"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// SchemaError reports loaded data that violates the data-model
// invariants (bad option references, duplicate ids, unknown sub-skills).
type SchemaError struct {
	File   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Reason)
}
