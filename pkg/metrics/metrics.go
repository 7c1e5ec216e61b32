// Package metrics scores tag sequences: token accuracy plus chunk-level
// precision, recall and F1 computed the way conlleval does, which covers
// the BIO, IOB and IOBES schemes with one set of boundary rules.
package metrics

import (
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Chunk is a labelled span [Start, End).
type Chunk struct {
	Type  string
	Start int
	End   int
}

func split(tag string) (prefix, typ string) {
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		return tag[:i], tag[i+1:]
	}
	if tag == "O" {
		return "O", ""
	}
	// bare labels such as "PER" behave as inside tags
	return "I", tag
}

func chunkEnds(prevPrefix, prefix, prevType, typ string) bool {
	switch prevPrefix {
	case "O", "":
		return false
	case "E", "S":
		return true
	case "B", "I":
		if prefix == "B" || prefix == "S" || prefix == "O" {
			return true
		}
	}
	return prevType != typ
}

func chunkStarts(prevPrefix, prefix, prevType, typ string) bool {
	switch prefix {
	case "O":
		return false
	case "B", "S":
		return true
	case "I", "E":
		if prevPrefix == "E" || prevPrefix == "S" || prevPrefix == "O" || prevPrefix == "" {
			return true
		}
	}
	return prevType != typ
}

// Chunks extracts the labelled spans of a tag sequence.
func Chunks(tags []string) []Chunk {
	var (
		chunks   []Chunk
		open     = -1
		prevPre  = "O"
		prevType string
	)

	for i := 0; i <= len(tags); i++ {
		prefix, typ := "O", ""
		if i < len(tags) {
			prefix, typ = split(tags[i])
		}

		if open >= 0 && chunkEnds(prevPre, prefix, prevType, typ) {
			chunks = append(chunks, Chunk{Type: prevType, Start: open, End: i})
			open = -1
		}
		if chunkStarts(prevPre, prefix, prevType, typ) {
			open = i
		}

		prevPre, prevType = prefix, typ
	}
	return chunks
}

// Counter accumulates token and chunk counts over many sentences.
type Counter struct {
	Tokens        int
	CorrectTokens int

	Gold      int
	Predicted int
	Correct   int

	byType map[string]*typeCounts
}

type typeCounts struct {
	gold, predicted, correct int
}

func (c *Counter) typ(t string) *typeCounts {
	if c.byType == nil {
		c.byType = make(map[string]*typeCounts)
	}
	tc, ok := c.byType[t]
	if !ok {
		tc = &typeCounts{}
		c.byType[t] = tc
	}
	return tc
}

// Add scores one sentence. gold and pred must have the same length.
func (c *Counter) Add(gold, pred []string) {
	for i := range gold {
		c.Tokens++
		if i < len(pred) && gold[i] == pred[i] {
			c.CorrectTokens++
		}
	}

	goldChunks := Chunks(gold)
	predChunks := Chunks(pred)

	seen := make(map[Chunk]bool, len(goldChunks))
	for _, ch := range goldChunks {
		seen[ch] = true
		c.typ(ch.Type).gold++
	}
	for _, ch := range predChunks {
		c.typ(ch.Type).predicted++
		if seen[ch] {
			c.Correct++
			c.typ(ch.Type).correct++
		}
	}
	c.Gold += len(goldChunks)
	c.Predicted += len(predChunks)
}

// Merge adds the counts of o, used to combine per-worker counters.
func (c *Counter) Merge(o *Counter) {
	c.Tokens += o.Tokens
	c.CorrectTokens += o.CorrectTokens
	c.Gold += o.Gold
	c.Predicted += o.Predicted
	c.Correct += o.Correct
	for t, tc := range o.byType {
		mine := c.typ(t)
		mine.gold += tc.gold
		mine.predicted += tc.predicted
		mine.correct += tc.correct
	}
}

type Scores struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

func score(correct, predicted, gold int) Scores {
	var s Scores
	if predicted > 0 {
		s.Precision = float64(correct) / float64(predicted)
	}
	if gold > 0 {
		s.Recall = float64(correct) / float64(gold)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}

type Result struct {
	Scores
	Accuracy float64           `json:"accuracy"`
	Tokens   int               `json:"tokens"`
	Chunks   int               `json:"chunks"`
	ByType   map[string]Scores `json:"by_type,omitempty"`
}

func (c *Counter) Result() Result {
	r := Result{
		Scores: score(c.Correct, c.Predicted, c.Gold),
		Tokens: c.Tokens,
		Chunks: c.Gold,
	}
	if c.Tokens > 0 {
		r.Accuracy = float64(c.CorrectTokens) / float64(c.Tokens)
	}
	if len(c.byType) > 0 {
		r.ByType = make(map[string]Scores, len(c.byType))
		for t, tc := range c.byType {
			r.ByType[t] = score(tc.correct, tc.predicted, tc.gold)
		}
	}
	return r
}

// Types lists the chunk types seen so far, sorted.
func (c *Counter) Types() []string {
	types := make([]string, 0, len(c.byType))
	for t := range c.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

type Summary struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summarize describes a series such as per-epoch losses. StdDev is the
// sample standard deviation and is zero for fewer than two values.
func Summarize(xs []float64) Summary {
	s := Summary{N: len(xs)}
	if len(xs) == 0 {
		return s
	}
	s.Min = floats.Min(xs)
	s.Max = floats.Max(xs)
	if len(xs) == 1 {
		s.Mean = xs[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	return s
}
