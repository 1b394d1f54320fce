// Package identity derives a stable per-binary identity from the backing
// file of an executing or crashing image. The identity is the triple
// (real uid, file serial number, mount label); it is the key under which
// crash records are tracked.
package identity

import (
	"context"
	"errors"
	"fmt"
)

// MaxMountLabel bounds the stored mount label. Longer labels are truncated
// before hashing and comparison so that lookup and insert agree.
const MaxMountLabel = 88

// ErrNoImage is returned when a process has no backing image to derive an
// identity from.
var ErrNoImage = errors.New("identity: no backing image")

// Key identifies a (user, binary) pair across the record table.
type Key struct {
	UID    uint32
	Serial uint64
	Mount  string
}

func (k Key) String() string {
	return fmt.Sprintf("uid=%d serial=%d mount=%s", k.UID, k.Serial, k.Mount)
}

// Attr is the subset of file attributes the guard needs.
type Attr struct {
	Serial uint64
	Mount  string
	Setuid bool
	Setgid bool
}

// Image is a handle on the backing file of an executable. Attr may block on
// filesystem I/O; it must never be called with a bucket lock held.
type Image interface {
	// Attr retrieves the file attributes, taking the image's shared lock
	// for the duration. Implementations that are already exclusively
	// locked by the caller must reuse that lock rather than acquiring a
	// second one.
	Attr(ctx context.Context) (Attr, error)
	// Path returns the display path of the image, best effort.
	Path() string
}

// FromImage derives the record key for img as seen by the user uid.
// Attribute retrieval failure propagates; callers treat it as "no record
// found" rather than a fatal condition.
func FromImage(ctx context.Context, img Image, uid uint32) (Key, error) {
	if img == nil {
		return Key{}, ErrNoImage
	}
	attr, err := img.Attr(ctx)
	if err != nil {
		return Key{}, fmt.Errorf("image attr: %w", err)
	}
	mount := attr.Mount
	if len(mount) > MaxMountLabel {
		mount = mount[:MaxMountLabel]
	}
	return Key{UID: uid, Serial: attr.Serial, Mount: mount}, nil
}
