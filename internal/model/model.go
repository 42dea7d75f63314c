// Package model defines the backend contracts the router streams tokens from,
// and the concrete local and cloud clients that implement them.
package model

import "context"

// DeviceModel is a model running on this device.
type DeviceModel interface {
	// Initialize prepares the model. It may be slow.
	Initialize(ctx context.Context) error

	// Generate streams tokens for req. Both channels are closed when the
	// stream ends; a terminal error is sent on the error channel before
	// either closes.
	Generate(ctx context.Context, requestID string, req *Request) (<-chan string, <-chan error)

	// Abort stops the stream opened with requestID, if any.
	Abort(requestID string)

	// Close releases backend resources.
	Close() error

	// Name returns the backend identifier.
	Name() string
}

// CloudModel is a remote model provider.
type CloudModel interface {
	// Generate streams tokens for req under the same contract as DeviceModel.
	Generate(ctx context.Context, req *Request) (<-chan string, <-chan error)

	// IsAvailable reports whether the provider is configured.
	IsAvailable() bool

	// Name returns the backend identifier.
	Name() string
}

// produce runs fn in a goroutine and adapts it to the stream contract.
// emit returns false once ctx is done, after which fn should return.
// release, if set, runs after the outcome is decided and before the
// channels close.
func produce(ctx context.Context, fn func(emit func(string) bool) error, release func()) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)

		emit := func(tok string) bool {
			select {
			case tokens <- tok:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := fn(emit)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if release != nil {
			release()
		}
		if err != nil {
			errs <- err
		}
	}()

	return tokens, errs
}

// failed returns a stream that ends immediately with err.
func failed(err error) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)
	errs <- err
	close(errs)
	close(tokens)
	return tokens, errs
}

// Collect drains a stream into a single string.
func Collect(tokens <-chan string, errs <-chan error) (string, error) {
	var out []byte
	for tok := range tokens {
		out = append(out, tok...)
	}
	return string(out), <-errs
}
