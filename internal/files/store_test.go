package files

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	return s
}

func TestSaveOpenDelete(t *testing.T) {
	s := newStore(t)

	name, err := s.Save("report.pdf", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", name)

	f, info, err := s.Open("report.pdf")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), info.Size)

	list, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []Info{{Name: "report.pdf", Size: 5}}, list)

	require.NoError(t, s.Delete("report.pdf"))
	require.NoError(t, s.Delete("report.pdf"))
	_, _, err = s.Open("report.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTraversalReducedToBaseName(t *testing.T) {
	s := newStore(t)
	outside := filepath.Join(filepath.Dir(s.Dir()), "escape.txt")

	name, err := s.Save("../escape.txt", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "escape.txt", name)

	_, err = os.Stat(outside)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.Dir(), "escape.txt"))
	assert.NoError(t, err)
}

func TestInvalidNames(t *testing.T) {
	s := newStore(t)
	for _, name := range []string{"", ".", "..", "../..", "/", ".env", `..\..\`} {
		_, err := s.Save(name, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidPath, name)
		_, _, err = s.Open(name)
		assert.ErrorIs(t, err, ErrInvalidPath, name)
	}
}

func TestOpenRejectsSymlinkEscape(t *testing.T) {
	s := newStore(t)
	target := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(target, []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(target, filepath.Join(s.Dir(), "link.txt")))

	_, _, err := s.Open("link.txt")
	assert.Error(t, err)
}
