package action

import (
	"context"

	"github.com/morezero/action-gateway/pkg/envelope"
)

// Result is what a handler produces: either an Immediate reply or a Deferred
// one that completes later.
type Result interface {
	isResult()
}

// Immediate is a reply available at return time.
type Immediate struct {
	Reply *envelope.Response
}

// Deferred is a reply that completes asynchronously, e.g. after a database round trip.
type Deferred struct {
	Wait func(ctx context.Context) (*envelope.Response, error)
}

func (Immediate) isResult() {}
func (Deferred) isResult()  {}

// Reply returns a successful Immediate result carrying data.
func Reply(data any) Result {
	return Immediate{Reply: envelope.OK("", data)}
}

// Failure returns an Immediate result with a non-success status.
func Failure(status envelope.Status, message string) Result {
	return Immediate{Reply: envelope.Fail(status, message, "")}
}

// Defer wraps fn as a Deferred result.
func Defer(fn func(ctx context.Context) (*envelope.Response, error)) Result {
	return Deferred{Wait: fn}
}
