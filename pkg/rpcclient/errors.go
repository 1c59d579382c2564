package rpcclient

import (
	"errors"
	"fmt"
)

var (
	// ErrSerialization means the request params could not be encoded. Nothing
	// was sent.
	ErrSerialization = errors.New("request serialization failed")
	// ErrDeserialization means the result did not decode into the requested type.
	ErrDeserialization = errors.New("response deserialization failed")
	// ErrProtocolMismatch means the server replied with an unexpected id or
	// left a request unanswered.
	ErrProtocolMismatch = errors.New("protocol mismatch")
	// ErrMissingResponse is returned for batch entries the server did not answer.
	ErrMissingResponse = fmt.Errorf("%w: missing response", ErrProtocolMismatch)
	// ErrCallConsumed is returned when a Call is awaited twice.
	ErrCallConsumed = errors.New("call already awaited")
	// ErrBatchConsumed is returned when a batch is sent twice or modified after Send.
	ErrBatchConsumed = errors.New("batch already sent")
)
