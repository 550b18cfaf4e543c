package serp

import "errors"

// Hard failures. A tick that returns one of these applied nothing.
var (
	// ErrNotStableCurrency is returned when a tick targets the native
	// currency or any other non-stable currency. Ticks only adjust
	// stable-currency supply.
	ErrNotStableCurrency = errors.New("serp: currency is not a stable currency")

	// ErrNoParams is returned when no parameters are configured for a
	// stable currency. Every registered stable currency must carry params.
	ErrNoParams = errors.New("serp: no parameters configured for currency")
)
