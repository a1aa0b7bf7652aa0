package binding

import "errors"

// ErrNoQuery is returned when a binding is attempted without a query. It
// surfaces synchronously, before any remote call.
var ErrNoQuery = errors.New("binding: no query configured")
