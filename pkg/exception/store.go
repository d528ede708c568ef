package exception

import "errors"

// Store errors
var (
	ErrValidation         = errors.New("store: invalid record")
	ErrStorageFault       = errors.New("store: storage fault")
	ErrTimeout            = errors.New("store: operation timeout")
	ErrStoreClosed        = errors.New("store: closed")
	ErrInvalidConfig      = errors.New("store: invalid config")
	ErrEmptySymbol        = errors.New("store: empty symbol")
	ErrUnsupportedDialect = errors.New("store: unsupported storage dialect")
	ErrNilLog             = errors.New("store: nil durable log")
)

// Subscription errors
var (
	ErrUnknownSubscription = errors.New("subscription: unknown handle")
	ErrNilCallback         = errors.New("subscription: nil callback")
	ErrBusClosed           = errors.New("subscription: bus closed")
)

