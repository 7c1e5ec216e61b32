package dataset

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samogod/tagtrain/pkg/vocab"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `-DOCSTART- -X- O O

EU NNP B-NP B-ORG
rejects VBZ B-VP O
German JJ B-NP B-MISC
call NN I-NP O

Peter NNP B-NP B-PER
Blackburn NNP I-NP I-PER
`

func testVocabs(t *testing.T) Vocabs {
	t.Helper()
	words, err := vocab.New([]string{"<pad>", "<unk>", "eu", "rejects", "german", "call", "peter"})
	require.NoError(t, err)
	chars, err := vocab.New([]string{"<unk>", "E", "U", "r", "e", "j", "c", "t", "s"})
	require.NoError(t, err)
	tags, err := vocab.New([]string{"O", "B-ORG", "B-MISC", "B-PER", "I-PER"})
	require.NoError(t, err)
	return Vocabs{Words: words, Chars: chars, Tags: tags}
}

func TestRead(t *testing.T) {
	raw, err := Read(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, raw, 2)

	assert.Equal(t, []string{"EU", "rejects", "German", "call"}, raw[0].Tokens)
	assert.Equal(t, []string{"B-ORG", "O", "B-MISC", "O"}, raw[0].Tags)
	assert.Equal(t, []int{3, 4, 5, 6}, raw[0].Lines)
	assert.Equal(t, []string{"B-PER", "I-PER"}, raw[1].Tags)
}

func TestReadTwoColumns(t *testing.T) {
	raw, err := Read(strings.NewReader("a O\nb B-X\n\n\n\nc O"))
	require.NoError(t, err)
	require.Len(t, raw, 2)
	assert.Equal(t, []string{"c"}, raw[1].Tokens)
}

func TestReadMissingTag(t *testing.T) {
	_, err := Read(strings.NewReader("a O\nlonely\n"))
	assert.ErrorIs(t, err, ErrMissingTag)
	assert.Contains(t, err.Error(), "line 2")
}

func TestEncode(t *testing.T) {
	raw, err := Read(strings.NewReader(sample))
	require.NoError(t, err)

	ds, err := Encode(raw, testVocabs(t), 3)
	require.NoError(t, err)
	require.Len(t, ds.Sentences, 2)

	s := ds.Sentences[0]
	assert.Equal(t, []int{2, 3, 4, 5}, s.Words, "words are looked up case-insensitively")
	assert.Equal(t, []int{1, 0, 2, 0}, s.Tags)
	assert.Equal(t, []int{1, 2}, s.Chars[0])
	assert.Equal(t, []int{3, 4, 5}, s.Chars[1], "characters are clipped to three")

	second := ds.Sentences[1]
	assert.Equal(t, 1, second.Words[1], "Blackburn is unknown")

	assert.Equal(t, 2, ds.Stats.Sentences)
	assert.Equal(t, 6, ds.Stats.Tokens)
	assert.Equal(t, 1, ds.Stats.UnknownWords)
	assert.Equal(t, 5, ds.Stats.ClippedWords)
}

func TestEncodeUnknownTag(t *testing.T) {
	raw, err := Read(strings.NewReader("x O\ny B-LOC\n"))
	require.NoError(t, err)

	_, err = Encode(raw, testVocabs(t), 10)
	assert.ErrorIs(t, err, ErrUnknownTag)
	assert.Contains(t, err.Error(), "line 2")
}

func TestEncodeNeedsUnknownToken(t *testing.T) {
	v := testVocabs(t)
	words, err := vocab.New([]string{"a"})
	require.NoError(t, err)
	v.Words = words

	_, err = Encode(nil, v, 10)
	assert.ErrorIs(t, err, ErrNoUnknown)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.txt")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	ds, err := Load(path, testVocabs(t), 20)
	require.NoError(t, err)
	assert.Equal(t, path, ds.Path)
	assert.Equal(t, 0, ds.Stats.ClippedWords)

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("\n-DOCSTART- O\n\n"), 0644))
	_, err = Load(empty, testVocabs(t), 20)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestBatches(t *testing.T) {
	ds := &Dataset{}
	for i := 0; i < 7; i++ {
		ds.Sentences = append(ds.Sentences, Sentence{Words: []int{i}})
	}

	batches := ds.Batches(3, nil)
	require.Len(t, batches, 3)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, 0, batches[0][0].Words[0])
	assert.Equal(t, 6, batches[2][0].Words[0])

	shuffled := ds.Batches(3, rand.New(rand.NewSource(7)))
	seen := map[int]bool{}
	for _, b := range shuffled {
		for _, s := range b {
			seen[s.Words[0]] = true
		}
	}
	assert.Len(t, seen, 7, "shuffling keeps every sentence exactly once")
}
