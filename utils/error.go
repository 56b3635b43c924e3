package utils

import "errors"

// ErrorRecordNotFound is what model lookups return instead of the driver's
// not-found error; handlers map it to 404.
var ErrorRecordNotFound = errors.New("record not found")
