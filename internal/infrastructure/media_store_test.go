package infrastructure

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"engage_inbound/internal/entities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalMediaStore_Save(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalMediaStore(dir, "http://localhost:8080/media/")
	require.NoError(t, err)

	url, err := store.Save(context.Background(), "t1/image/abc.jpg", &entities.MediaBlob{Data: []byte("jpeg"), MimeType: "image/jpeg", Size: 4})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/media/t1/image/abc.jpg", url)

	data, err := os.ReadFile(filepath.Join(dir, "t1", "image", "abc.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)
}

func TestLocalMediaStore_KeyCannotEscapeRoot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalMediaStore(filepath.Join(dir, "media"), "http://cdn")
	require.NoError(t, err)

	url, err := store.Save(context.Background(), "../../etc/passwd", &entities.MediaBlob{Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/etc/passwd", url)
	_, err = os.Stat(filepath.Join(dir, "media", "etc", "passwd"))
	assert.NoError(t, err)

	_, err = store.Save(context.Background(), "/", &entities.MediaBlob{Data: []byte("x")})
	assert.Error(t, err)
}

func TestCleanMediaKey(t *testing.T) {
	cases := map[string]string{
		"t1/audio/a.ogg":   "t1/audio/a.ogg",
		"/t1//audio/a.ogg": "t1/audio/a.ogg",
		`t1\video\v.mp4`:   "t1/video/v.mp4",
		"../x":             "x",
		"":                 "",
		".":                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanMediaKey(in), in)
	}
}
