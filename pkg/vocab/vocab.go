// Package vocab loads token/index vocabularies stored as Python pickles.
package vocab

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
)

var DebugLog func(string, ...interface{})

var ErrFormat = errors.New("unsupported vocabulary format")

const (
	UnknownToken = "<unk>"
	PaddingToken = "<pad>"
)

var unknownSpellings = []string{UnknownToken, "<UNK>", "UNK", "[UNK]"}

var paddingSpellings = []string{PaddingToken, "<PAD>", "PAD", "[PAD]"}

type Vocabulary struct {
	tokens  []string
	index   map[string]int
	unknown int
	padding int
}

// New builds a vocabulary from tokens in index order.
func New(tokens []string) (*Vocabulary, error) {
	v := &Vocabulary{
		tokens:  make([]string, len(tokens)),
		index:   make(map[string]int, len(tokens)),
		unknown: -1,
		padding: -1,
	}
	copy(v.tokens, tokens)

	for i, tok := range v.tokens {
		if _, dup := v.index[tok]; dup {
			return nil, fmt.Errorf("%w: duplicate token %q", ErrFormat, tok)
		}
		v.index[tok] = i
	}

	v.unknown = v.firstOf(unknownSpellings)
	v.padding = v.firstOf(paddingSpellings)
	return v, nil
}

func (v *Vocabulary) firstOf(spellings []string) int {
	for _, s := range spellings {
		if i, ok := v.index[s]; ok {
			return i
		}
	}
	return -1
}

// Load reads a pickle holding a token->index dict, a list of tokens, a
// list of (token, index) pairs, or a dict with a "token_to_idx" /
// "idx_to_token" entry.
func Load(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer f.Close()

	u := pickle.NewUnpickler(f)
	obj, err := u.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle %s: %w", path, err)
	}

	tokens, err := tokensFrom(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	v, err := New(tokens)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if DebugLog != nil {
		DebugLog("loaded vocabulary %s: %d tokens (unknown=%d, padding=%d)", path, v.Len(), v.unknown, v.padding)
	}
	return v, nil
}

func tokensFrom(obj interface{}) ([]string, error) {
	switch o := obj.(type) {
	case *types.List:
		return tokensFromList(*o)
	case *types.Tuple:
		return tokensFromList(*o)
	case *types.Dict:
		for _, key := range []string{"idx_to_token", "itos", "token_to_idx", "stoi"} {
			if inner, ok := dictGet(o, key); ok {
				return tokensFrom(inner)
			}
		}
		pairs := make([][2]interface{}, 0, len(*o))
		for _, e := range *o {
			pairs = append(pairs, [2]interface{}{e.Key, e.Value})
		}
		return tokensFromPairs(pairs)
	case *types.OrderedDict:
		pairs := make([][2]interface{}, 0, o.List.Len())
		for el := o.List.Front(); el != nil; el = el.Next() {
			e := el.Value.(*types.OrderedDictEntry)
			pairs = append(pairs, [2]interface{}{e.Key, e.Value})
		}
		return tokensFromPairs(pairs)
	default:
		return nil, fmt.Errorf("%w: top-level object is %T", ErrFormat, obj)
	}
}

func dictGet(d *types.Dict, key string) (interface{}, bool) {
	for _, e := range *d {
		if k, ok := e.Key.(string); ok && k == key {
			return e.Value, true
		}
	}
	return nil, false
}

// tokensFromList accepts plain tokens or (token, index) pairs.
func tokensFromList(items []interface{}) ([]string, error) {
	if len(items) > 0 {
		if _, ok := asPair(items[0]); ok {
			pairs := make([][2]interface{}, len(items))
			for i, item := range items {
				p, ok := asPair(item)
				if !ok {
					return nil, fmt.Errorf("%w: item %d is %T, want a (token, index) pair", ErrFormat, i, item)
				}
				pairs[i] = p
			}
			return tokensFromPairs(pairs)
		}
	}

	tokens := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: item %d is %T, want string", ErrFormat, i, item)
		}
		tokens[i] = s
	}
	return tokens, nil
}

func asPair(item interface{}) ([2]interface{}, bool) {
	var elems []interface{}
	switch t := item.(type) {
	case *types.Tuple:
		elems = *t
	case *types.List:
		elems = *t
	default:
		return [2]interface{}{}, false
	}
	if len(elems) != 2 {
		return [2]interface{}{}, false
	}
	return [2]interface{}{elems[0], elems[1]}, true
}

// tokensFromPairs requires the indices to be exactly 0..n-1.
func tokensFromPairs(pairs [][2]interface{}) ([]string, error) {
	tokens := make([]string, len(pairs))
	seen := make([]bool, len(pairs))

	for _, p := range pairs {
		tok, ok := p[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: key is %T, want string", ErrFormat, p[0])
		}
		idx, ok := toInt(p[1])
		if !ok {
			return nil, fmt.Errorf("%w: index of %q is %T, want int", ErrFormat, tok, p[1])
		}
		if idx < 0 || idx >= len(pairs) {
			return nil, fmt.Errorf("%w: index %d of %q out of range [0,%d)", ErrFormat, idx, tok, len(pairs))
		}
		if seen[idx] {
			return nil, fmt.Errorf("%w: index %d used twice", ErrFormat, idx)
		}
		seen[idx] = true
		tokens[idx] = tok
	}
	return tokens, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case *big.Int:
		if n.IsInt64() {
			return int(n.Int64()), true
		}
	}
	return 0, false
}

func (v *Vocabulary) Len() int {
	return len(v.tokens)
}

func (v *Vocabulary) Token(i int) string {
	if i < 0 || i >= len(v.tokens) {
		return ""
	}
	return v.tokens[i]
}

func (v *Vocabulary) Tokens() []string {
	out := make([]string, len(v.tokens))
	copy(out, v.tokens)
	return out
}

// Index looks a token up exactly.
func (v *Vocabulary) Index(tok string) (int, bool) {
	i, ok := v.index[tok]
	return i, ok
}

// Lookup tries the token as is, then lowercased, then falls back to the
// unknown index, which is -1 when the vocabulary has none.
func (v *Vocabulary) Lookup(tok string) int {
	if i, ok := v.index[tok]; ok {
		return i
	}
	if i, ok := v.index[strings.ToLower(tok)]; ok {
		return i
	}
	return v.unknown
}

func (v *Vocabulary) Unknown() int {
	return v.unknown
}

func (v *Vocabulary) Padding() int {
	return v.padding
}

// WithUnknown returns v when it already has an unknown token, and otherwise
// a copy with UnknownToken appended.
func (v *Vocabulary) WithUnknown() *Vocabulary {
	if v.unknown >= 0 {
		return v
	}
	tokens := append(v.Tokens(), UnknownToken)
	out, err := New(tokens)
	if err != nil {
		// v had no unknown spelling, so the appended token cannot collide
		panic(err)
	}
	return out
}
