package httpreq

import "errors"

// ErrBodyTooLarge is returned when a response body exceeds the requested
// range.
var ErrBodyTooLarge = errors.New("httpreq: response larger than requested range")
