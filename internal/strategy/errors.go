package strategy

import "errors"

var (
	// ErrUnknownKind is returned for a strategy name outside Kinds().
	ErrUnknownKind = errors.New("unknown strategy kind")
	// ErrNoConstructor is returned when no constructor is registered for a kind.
	ErrNoConstructor = errors.New("no constructor registered for strategy")
	// ErrRemote wraps non-2xx responses from a remote retrieval worker.
	ErrRemote = errors.New("remote strategy error")
)
