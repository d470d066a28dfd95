package localdisk

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetStatDelete(t *testing.T) {
	s, err := New(t.TempDir(), "http://localhost/blobs", "test-salt")
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := s.Put(ctx, "jobs/j-1/audio.wav", strings.NewReader("hello world"), "audio/wav")
	require.NoError(t, err)

	meta, err := s.Stat(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, int64(11), meta.Size)
	assert.Equal(t, "audio/wav", meta.ContentType)

	body, _, err := s.Get(ctx, uri)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	require.NoError(t, s.Delete(ctx, uri))
	_, err = s.Stat(ctx, uri)
	assert.Error(t, err)
}

func TestGetRange(t *testing.T) {
	s, err := New(t.TempDir(), "http://localhost/blobs", "test-salt")
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := s.Put(ctx, "seg.raw", strings.NewReader("0123456789"), "application/octet-stream")
	require.NoError(t, err)

	r, err := s.GetRange(ctx, uri, 3, 4)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(data))
}

func TestMultipartUpload(t *testing.T) {
	s, err := New(t.TempDir(), "http://localhost/blobs", "test-salt")
	require.NoError(t, err)
	ctx := context.Background()

	mp, err := s.NewMultipartUpload(ctx, "sessions/s-1/audio.raw", "audio/l16")
	require.NoError(t, err)
	require.NoError(t, mp.UploadPart(ctx, strings.NewReader("part-one-")))
	require.NoError(t, mp.UploadPart(ctx, strings.NewReader("part-two")))

	uri, err := mp.Complete(ctx)
	require.NoError(t, err)

	body, meta, err := s.Get(ctx, uri)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "part-one-part-two", string(data))
	assert.Equal(t, "audio/l16", meta.ContentType)
}

func TestSignedURLIncludesExpiryAndDigest(t *testing.T) {
	s, err := New(t.TempDir(), "http://localhost/blobs", "test-salt")
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := s.Put(ctx, "t.txt", strings.NewReader("x"), "text/plain")
	require.NoError(t, err)

	signed, err := s.SignedURL(ctx, uri, 0)
	require.NoError(t, err)
	assert.Contains(t, signed, "exp=")
	assert.Contains(t, signed, "sig=")
}
