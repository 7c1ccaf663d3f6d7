package transport

import "fmt"

// RemoteError is returned by Request when the responder's handler failed.
type RemoteError struct {
	Subject   string
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote handler for %s failed (request %s): %s", e.Subject, e.RequestID, e.Message)
}

// errorPayload is the reply body sent when a handler returns an error.
type errorPayload struct {
	Error string `json:"error"`
}
