package sink

import "fmt"

// EncodeError reports a body that the codec could not encode.
type EncodeError struct {
	Codec string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("sink: encode %s body: %v", e.Codec, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// PublishError reports a publisher failure.
type PublishError struct {
	Topic string
	Count int
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("sink: publish %d message(s) to %s: %v", e.Count, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
