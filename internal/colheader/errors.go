package colheader

import "errors"

// ErrFormat is returned when a collection header's magic does not match
// [Magic] (spec.md §7 FormatError / §6.1 "rejects magic mismatch").
var ErrFormat = errors.New("colheader: magic mismatch")

// ErrVersion is returned when a collection header's version is not the
// version this build understands (spec.md §6.1 "version mismatch").
var ErrVersion = errors.New("colheader: version mismatch")
