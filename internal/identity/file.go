package identity

import (
	"context"
	"sync"
	"sync/atomic"
)

// FileImage is an Image backed by a path on the local filesystem. It carries
// its own reader/writer lock: attribute retrieval takes the shared side
// unless the exec subsystem already holds the exclusive side, in which case
// that lock is reused.
type FileImage struct {
	path string

	mu        sync.RWMutex
	exclusive atomic.Bool
}

func NewFileImage(path string) *FileImage {
	return &FileImage{path: path}
}

func (i *FileImage) Path() string { return i.path }

// LockExclusive pins the image for a caller that needs it stable across a
// multi-step operation (e.g. exec setup). Attr calls made while the
// exclusive lock is held do not acquire a second lock.
func (i *FileImage) LockExclusive() {
	i.mu.Lock()
	i.exclusive.Store(true)
}

func (i *FileImage) UnlockExclusive() {
	i.exclusive.Store(false)
	i.mu.Unlock()
}

func (i *FileImage) Attr(ctx context.Context) (Attr, error) {
	if err := ctx.Err(); err != nil {
		return Attr{}, err
	}
	if i.exclusive.Load() {
		return statImage(i.path)
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return statImage(i.path)
}
