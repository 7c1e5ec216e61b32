package vocab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Protocol 0 pickles, as written by pickle.dumps(obj, protocol=0).
const (
	dictPickle   = "(dp0\nV<unk>\np1\nI0\nsVthe\np2\nI1\nsVParis\np3\nI2\ns."
	listPickle   = "(lp0\nVO\np1\naVB-PER\np2\naVI-PER\np3\na."
	nestedPickle = "(dp0\nVidx_to_token\np1\n(lp2\nVx\naVy\nas."
	dupPickle    = "(dp0\nVa\nI0\nsVb\nI0\ns."
	rangePickle  = "(dp0\nVa\nI5\ns."
	intPickle    = "I3\n."
	pairsPickle  = "(lp0\n(VO\nI1\ntp1\na(V<unk>\nI0\ntp2\na(VB-PER\nI2\ntp3\na."
	mixedPickle  = "(lp0\n(VO\nI0\ntp1\naVB-PER\np2\na."
)

func writePickle(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.pkl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDict(t *testing.T) {
	v, err := Load(writePickle(t, dictPickle))
	require.NoError(t, err)

	assert.Equal(t, 3, v.Len())
	assert.Equal(t, []string{"<unk>", "the", "Paris"}, v.Tokens())
	assert.Equal(t, 0, v.Unknown())
	assert.Equal(t, -1, v.Padding())

	i, ok := v.Index("Paris")
	assert.True(t, ok)
	assert.Equal(t, 2, i)

	assert.Equal(t, 1, v.Lookup("The"), "lookup falls back to lowercase")
	assert.Equal(t, 0, v.Lookup("London"), "unknown words map to <unk>")
}

func TestLoadList(t *testing.T) {
	v, err := Load(writePickle(t, listPickle))
	require.NoError(t, err)

	assert.Equal(t, []string{"O", "B-PER", "I-PER"}, v.Tokens())
	assert.Equal(t, -1, v.Unknown())
	assert.Equal(t, -1, v.Lookup("B-LOC"))
	assert.Equal(t, "I-PER", v.Token(2))
	assert.Equal(t, "", v.Token(3))
}

func TestLoadListOfPairs(t *testing.T) {
	v, err := Load(writePickle(t, pairsPickle))
	require.NoError(t, err)
	assert.Equal(t, []string{"<unk>", "O", "B-PER"}, v.Tokens())
	assert.Equal(t, 0, v.Unknown())
}

func TestLoadNestedMapping(t *testing.T) {
	v, err := Load(writePickle(t, nestedPickle))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, v.Tokens())
}

func TestLoadRejectsBadShapes(t *testing.T) {
	for name, body := range map[string]string{
		"duplicate index": dupPickle,
		"index range":     rangePickle,
		"scalar":          intPickle,
		"mixed list":      mixedPickle,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writePickle(t, body))
			assert.ErrorIs(t, err, ErrFormat)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.pkl"))
	assert.Error(t, err)
}

func TestWithUnknown(t *testing.T) {
	v, err := New([]string{"a", "b"})
	require.NoError(t, err)

	u := v.WithUnknown()
	assert.Equal(t, 3, u.Len())
	assert.Equal(t, 2, u.Unknown())
	assert.Equal(t, 2, u.Lookup("zzz"))
	assert.Equal(t, -1, v.Unknown(), "original is untouched")

	assert.Same(t, u, u.WithUnknown())
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]string{"a", "a"})
	assert.ErrorIs(t, err, ErrFormat)
}

func TestPaddingRecognised(t *testing.T) {
	v, err := New([]string{"<pad>", "<UNK>", "x"})
	require.NoError(t, err)
	assert.Equal(t, 0, v.Padding())
	assert.Equal(t, 1, v.Unknown())
}
