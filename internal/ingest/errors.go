package ingest

import "errors"

// ErrSubscriberOverflow is returned by Subscribe when the late-join prefill
// snapshot would exceed the subscriber queue's maximum capacity. Surfacing
// this indicates a GOP budget bug rather than ordinary backpressure.
var ErrSubscriberOverflow = errors.New("subscriber prefill snapshot too large")
