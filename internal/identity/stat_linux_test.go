package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binary")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	attr, err := statImage(path)
	require.NoError(t, err)
	assert.NotZero(t, attr.Serial)
	assert.NotEmpty(t, attr.Mount)
	assert.False(t, attr.Setuid)
	assert.False(t, attr.Setgid)

	// Two stats of the same file must agree: the identity has to be
	// stable between the crash and check paths.
	again, err := statImage(path)
	require.NoError(t, err)
	assert.Equal(t, attr, again)
}

func TestStatImageSetuid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "suid")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o755))
	require.NoError(t, os.Chmod(path, 0o755|os.ModeSetuid))

	attr, err := statImage(path)
	require.NoError(t, err)
	assert.True(t, attr.Setuid)
}

func TestStatImageMissing(t *testing.T) {
	_, err := statImage("/does/not/exist")
	require.Error(t, err)
}

func TestFileImageAttrRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o755))

	img := NewFileImage(path)
	attr, err := img.Attr(context.Background())
	require.NoError(t, err)

	// An exclusively-locked image must still serve attributes by reusing
	// the held lock rather than deadlocking on a second acquire.
	img.LockExclusive()
	attr2, err := img.Attr(context.Background())
	img.UnlockExclusive()
	require.NoError(t, err)
	assert.Equal(t, attr, attr2)
}

func TestUnescapeMount(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/plain", "/plain"},
		{`/with\040space`, "/with space"},
		{`/tab\011here`, "/tab\there"},
		{`/trailing\04`, `/trailing\04`},
		{`/not\zzzoctal`, `/not\zzzoctal`},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, unescapeMount(tc.in), "input %q", tc.in)
	}
}
