package artifacts

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	ref, err := s.Put("text/plain", "hello", map[string]any{"filename": "greeting.txt"}, "")
	require.NoError(t, err)
	assert.Contains(t, ref, refPrefix)

	got, err := s.Get(ref)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "text/plain", got.Type)
	assert.Equal(t, "greeting.txt", got.Meta["filename"])
	assert.False(t, got.IsBinary)
}

func TestPutGetBinaryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01, 0x02, 0x03}

	ref, err := s.Put("image/png", data, map[string]any{"mimeType": "image/png"}, "msg-1")
	require.NoError(t, err)

	got, err := s.Get(ref)
	require.NoError(t, err)
	assert.True(t, got.IsBinary)
	assert.Equal(t, data, got.Bytes)
	assert.Equal(t, "msg-1", got.MessageID)
}

func TestGetUnknownReturnsArtifactNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(Ref("does-not-exist"))
	require.Error(t, err)
}

func TestGetMalformedRefReturnsArtifactNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("not-an-artifact-ref")
	require.Error(t, err)
}

func TestMetaFileNeverReturnedAsArtifact(t *testing.T) {
	s := newTestStore(t)
	ref, err := s.Put("text/plain", "body", nil, "")
	require.NoError(t, err)
	id, _ := ParseRef(ref)

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	sawMeta, sawData := false, false
	for _, e := range entries {
		if e.Name() == id+".meta" {
			sawMeta = true
		}
		if e.Name() == id+".txt" {
			sawData = true
		}
	}
	assert.True(t, sawMeta)
	assert.True(t, sawData)
}

func TestSaveUploadedFileResolvesMimeFromExtension(t *testing.T) {
	s := newTestStore(t)
	ref, meta, err := s.SaveUploadedFile([]byte("id-photo-bytes"), "photo.png", "")
	require.NoError(t, err)
	assert.Equal(t, "image/png", meta["mimeType"])

	got, err := s.Get(ref)
	require.NoError(t, err)
	assert.True(t, got.IsBinary)
}

func TestLooksBinaryDetectsNullByte(t *testing.T) {
	assert.True(t, looksBinary([]byte{'a', 0, 'b'}))
	assert.False(t, looksBinary([]byte("plain ascii text")))
}
