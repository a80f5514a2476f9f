package scheduler

import "fmt"

// InvalidArgumentError reports a missing or empty required tool argument.
// No backend call is made when this is returned.
type InvalidArgumentError struct {
	Tool  string
	Field string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("tool %q requires a non-empty %q argument", e.Tool, e.Field)
}

// UnknownToolError reports a tool name outside the dispatch table.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool %q is not a known scheduling tool", e.Tool)
}

// UpstreamError reports a non-success HTTP response from the appointment
// backend, carrying the status and raw response body.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("scheduler backend responded with %d: %s", e.Status, e.Body)
}
