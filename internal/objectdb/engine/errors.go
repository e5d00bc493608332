package engine

import "errors"

// ErrProtocolViolation is wrapped by the error handleSubscribe returns
// (logged, never panicked on) when a Subscribe names a schema or type
// its channel never defined, or narrows by field and value without
// naming a type. The dispatcher logs it and keeps the connection open;
// no subscription state is changed. A malformed key inside a
// NewTransaction is reported as a failed transaction, not as this
// error.
var ErrProtocolViolation = errors.New("engine: protocol violation")
