package identity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubImage struct {
	attr Attr
	err  error
	path string
}

func (s stubImage) Attr(context.Context) (Attr, error) { return s.attr, s.err }
func (s stubImage) Path() string                       { return s.path }

func TestFromImage(t *testing.T) {
	key, err := FromImage(context.Background(), stubImage{
		attr: Attr{Serial: 42, Mount: "/usr"},
	}, 1000)
	require.NoError(t, err)
	assert.Equal(t, Key{UID: 1000, Serial: 42, Mount: "/usr"}, key)
}

func TestFromImageNil(t *testing.T) {
	_, err := FromImage(context.Background(), nil, 0)
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestFromImageAttrFailure(t *testing.T) {
	attrErr := errors.New("io error")
	_, err := FromImage(context.Background(), stubImage{err: attrErr}, 0)
	assert.ErrorIs(t, err, attrErr)
}

func TestFromImageTruncatesMountLabel(t *testing.T) {
	long := "/" + strings.Repeat("m", MaxMountLabel*2)
	key, err := FromImage(context.Background(), stubImage{
		attr: Attr{Serial: 1, Mount: long},
	}, 0)
	require.NoError(t, err)
	assert.Len(t, key.Mount, MaxMountLabel)
	assert.Equal(t, long[:MaxMountLabel], key.Mount)
}

func TestFileImageCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFileImage("/bin/true").Attr(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
