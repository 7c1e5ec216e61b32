// Package dataset reads CoNLL-style tagged text and encodes it through the
// word, character and tag vocabularies.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/samogod/tagtrain/pkg/vocab"
)

var DebugLog func(string, ...interface{})

var (
	ErrUnknownTag = errors.New("tag not in tag vocabulary")
	ErrMissingTag = errors.New("line has no tag column")
	ErrNoUnknown  = errors.New("vocabulary has no unknown token")
	ErrEmpty      = errors.New("no sentences found")
)

const docStart = "-DOCSTART-"

type Vocabs struct {
	Words *vocab.Vocabulary
	Chars *vocab.Vocabulary
	Tags  *vocab.Vocabulary
}

// RawSentence is one sentence as it appears in the file.
type RawSentence struct {
	Tokens []string
	Tags   []string
	Lines  []int
}

type Sentence struct {
	Tokens []string
	Words  []int
	Chars  [][]int
	Tags   []int
}

func (s Sentence) Len() int {
	return len(s.Words)
}

type Stats struct {
	Sentences    int `json:"sentences"`
	Tokens       int `json:"tokens"`
	UnknownWords int `json:"unknown_words"`
	UnknownChars int `json:"unknown_chars"`
	ClippedWords int `json:"clipped_words"`
}

type Dataset struct {
	Path      string
	Sentences []Sentence
	Stats     Stats
}

// Read splits r into sentences. Each non-blank line is "token ... tag":
// the first column is the token and the last one the tag.
func Read(r io.Reader) ([]RawSentence, error) {
	var (
		sentences []RawSentence
		current   RawSentence
		lineNo    int
	)

	flush := func() {
		if len(current.Tokens) > 0 {
			sentences = append(sentences, current)
		}
		current = RawSentence{}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}

		fields := strings.Fields(line)
		if fields[0] == docStart {
			flush()
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: %w", lineNo, ErrMissingTag)
		}

		current.Tokens = append(current.Tokens, fields[0])
		current.Tags = append(current.Tags, fields[len(fields)-1])
		current.Lines = append(current.Lines, lineNo)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading data: %w", err)
	}
	flush()

	return sentences, nil
}

// Load reads and encodes the file at path. Words longer than charsPerWord
// keep only their first charsPerWord characters.
func Load(path string, v Vocabs, charsPerWord int) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()

	raw, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmpty)
	}

	ds, err := Encode(raw, v, charsPerWord)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	ds.Path = path

	if DebugLog != nil {
		DebugLog("loaded %s: %d sentences, %d tokens, %d unknown words, %d clipped words",
			path, ds.Stats.Sentences, ds.Stats.Tokens, ds.Stats.UnknownWords, ds.Stats.ClippedWords)
	}
	return ds, nil
}

func Encode(raw []RawSentence, v Vocabs, charsPerWord int) (*Dataset, error) {
	if v.Words.Unknown() < 0 || v.Chars.Unknown() < 0 {
		return nil, ErrNoUnknown
	}

	ds := &Dataset{Sentences: make([]Sentence, 0, len(raw))}

	for _, rs := range raw {
		s := Sentence{
			Tokens: rs.Tokens,
			Words:  make([]int, len(rs.Tokens)),
			Chars:  make([][]int, len(rs.Tokens)),
			Tags:   make([]int, len(rs.Tokens)),
		}

		for i, tok := range rs.Tokens {
			w := v.Words.Lookup(tok)
			if w == v.Words.Unknown() && tok != v.Words.Token(w) {
				ds.Stats.UnknownWords++
			}
			s.Words[i] = w

			runes := []rune(tok)
			if len(runes) > charsPerWord {
				runes = runes[:charsPerWord]
				ds.Stats.ClippedWords++
			}
			chars := make([]int, len(runes))
			for j, r := range runes {
				c, ok := v.Chars.Index(string(r))
				if !ok {
					c = v.Chars.Unknown()
					ds.Stats.UnknownChars++
				}
				chars[j] = c
			}
			s.Chars[i] = chars

			tag, ok := v.Tags.Index(rs.Tags[i])
			if !ok {
				line := 0
				if i < len(rs.Lines) {
					line = rs.Lines[i]
				}
				return nil, fmt.Errorf("line %d: %w: %q", line, ErrUnknownTag, rs.Tags[i])
			}
			s.Tags[i] = tag
		}

		ds.Sentences = append(ds.Sentences, s)
		ds.Stats.Tokens += len(rs.Tokens)
	}
	ds.Stats.Sentences = len(ds.Sentences)

	return ds, nil
}

// Batches groups sentences into batches of size; the last one may be
// shorter. With a non-nil rng the order is shuffled first.
func (d *Dataset) Batches(size int, rng *rand.Rand) [][]Sentence {
	if size <= 0 {
		size = 1
	}

	order := make([]int, len(d.Sentences))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	batches := make([][]Sentence, 0, (len(order)+size-1)/size)
	for start := 0; start < len(order); start += size {
		end := start + size
		if end > len(order) {
			end = len(order)
		}
		batch := make([]Sentence, 0, end-start)
		for _, idx := range order[start:end] {
			batch = append(batch, d.Sentences[idx])
		}
		batches = append(batches, batch)
	}
	return batches
}
