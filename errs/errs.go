// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package errs collects the sentinel errors shared across the
// index packages and a classifier distinguishing errors that are
// worth retrying from errors that never will be.
package errs

import (
	"compress/flate"
	"errors"
	"io/fs"
)

var (
	// ErrBadMAC is returned when a persisted index chunk's
	// integrity tag does not match its contents.
	ErrBadMAC = errors.New("simidx: bad chunk signature")
	// ErrUnsupportedQuery is returned when a query requests a
	// distance metric that metric.Lookup does not recognize.
	ErrUnsupportedQuery = errors.New("simidx: unsupported query")
	// ErrDataType classifies a value-type mismatch as fatal. The
	// index packages are generic over their value type, so no
	// function in this module returns it.
	ErrDataType = errors.New("simidx: data type mismatch")
	// ErrCorruptChunk is returned when a persisted chunk's
	// framing (magic, version, length prefixes) is malformed.
	ErrCorruptChunk = errors.New("simidx: corrupt index chunk")
	// ErrConfig is returned when an index configuration fails
	// validation.
	ErrConfig = errors.New("simidx: invalid configuration")
)

// isFatal lists sentinel errors known to never clear on retry.
var isFatal = []error{
	ErrBadMAC,
	ErrUnsupportedQuery,
	ErrDataType,
	ErrCorruptChunk,
	ErrConfig,
	fs.ErrNotExist,
}

// IsFatal reports whether err is known to be fatal: a retry of
// whatever produced it will not succeed. Transient errors (I/O
// timeouts, temporarily unavailable storage) are not fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range isFatal {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	var cie flate.CorruptInputError
	return errors.As(err, &cie)
}
