//go:build !linux

package identity

import (
	"errors"
	"fmt"
)

var errUnsupported = errors.New("image attributes not supported on this platform")

func statImage(path string) (Attr, error) {
	return Attr{}, fmt.Errorf("%s: %w", path, errUnsupported)
}
