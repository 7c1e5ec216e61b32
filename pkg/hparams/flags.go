package hparams

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// flagOrder is the canonical order used by Args.
var flagOrder = []string{
	"train", "valid", "test",
	"wvp", "cvp", "tvp",
	"embedding",
	"clpw", "nce", "nwe", "nf", "ks", "nhiddens", "nlayers", "nts",
	"edp", "odp", "rdp",
	"nepochs", "lr", "bc", "lds", "ldr", "op_name",
	"lp",
}

// Names returns the long flag names in canonical order.
func Names() []string {
	names := make([]string, len(flagOrder))
	copy(names, flagOrder)
	return names
}

// RegisterFlags binds every training flag on fs to a configuration that
// starts from Defaults. The returned configuration is filled when fs is
// parsed.
func RegisterFlags(fs *pflag.FlagSet) *TrainingConfiguration {
	c := Defaults()
	bind(fs, &c)
	return &c
}

// bind uses the current field values as flag defaults.
func bind(fs *pflag.FlagSet, c *TrainingConfiguration) {
	fs.StringVar(&c.Train, "train", c.Train, "training data file")
	fs.StringVar(&c.Valid, "valid", c.Valid, "validation data file")
	fs.StringVar(&c.Test, "test", c.Test, "test data file")

	fs.StringVar(&c.WordVocab, "wvp", c.WordVocab, "word vocabulary pickle")
	fs.StringVar(&c.CharVocab, "cvp", c.CharVocab, "character vocabulary pickle")
	fs.StringVar(&c.TagVocab, "tvp", c.TagVocab, "tag vocabulary pickle")

	fs.StringVar(&c.Embedding, "embedding", c.Embedding, "pretrained embedding source (random, a vectors file, or a scheme name)")

	fs.IntVar(&c.CharsPerWord, "clpw", c.CharsPerWord, "max characters per word")
	fs.IntVar(&c.NegativeSamples, "nce", c.NegativeSamples, "negative-sample count")
	fs.IntVar(&c.WordDim, "nwe", c.WordDim, "word embedding dimension")
	fs.IntVar(&c.Filters, "nf", c.Filters, "convolution filter count")
	fs.IntVar(&c.KernelSize, "ks", c.KernelSize, "convolution kernel size")
	fs.IntVar(&c.Hiddens, "nhiddens", c.Hiddens, "hidden layer size")
	fs.IntVar(&c.Layers, "nlayers", c.Layers, "hidden layer count")
	fs.IntVar(&c.TagSpace, "nts", c.TagSpace, "tag space size")

	fs.Var(newFloatValue(&c.EmbeddingDropout), "edp", "embedding dropout")
	fs.Var(newFloatValue(&c.OutputDropout), "odp", "output dropout")
	fs.Var(newPairValue(&c.RecurrentDropout), "rdp", "recurrent dropout pair: input,state")

	fs.IntVar(&c.Epochs, "nepochs", c.Epochs, "epoch count")
	fs.Var(newFloatValue(&c.LearningRate), "lr", "learning rate")
	fs.IntVar(&c.BatchSize, "bc", c.BatchSize, "batch size")
	fs.IntVar(&c.DecaySteps, "lds", c.DecaySteps, "decay the learning rate every N epochs")
	fs.Var(newFloatValue(&c.DecayRate), "ldr", "learning rate decay rate")
	fs.StringVar(&c.Optimizer, "op_name", c.Optimizer, "optimizer (sgd, momentum, nag, adagrad, rmsprop, adam)")

	fs.StringVar(&c.LogPath, "lp", c.LogPath, "log file path")
}

// Parse builds a validated configuration from a command line.
func Parse(args []string) (TrainingConfiguration, error) {
	fs := pflag.NewFlagSet("tagtrain", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c := RegisterFlags(fs)

	if err := fs.Parse(NormalizeArgs(args, fs)); err != nil {
		return TrainingConfiguration{}, fmt.Errorf("failed to parse flags: %w", err)
	}
	if fs.NArg() > 0 {
		return TrainingConfiguration{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if err := c.Validate(); err != nil {
		return *c, err
	}
	return *c, nil
}

// Args re-serializes the configuration as "--flag value" pairs in
// canonical order. Parse(c.Args()) yields c again.
func (c TrainingConfiguration) Args() []string {
	fs := pflag.NewFlagSet("args", pflag.ContinueOnError)
	bind(fs, &c)

	args := make([]string, 0, 2*len(flagOrder))
	for _, name := range flagOrder {
		args = append(args, "--"+name, fs.Lookup(name).Value.String())
	}
	return args
}

// CommandLine joins Args into a line a POSIX shell splits back into the
// same arguments.
func (c TrainingConfiguration) CommandLine() string {
	args := c.Args()
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, unsafeShellRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("_-+=:,./@%", r)
}

// NormalizeArgs rewrites single-dash spellings of the long flags defined
// in sets ("-lr", "-op_name=adam") to their double-dash form. Tokens that
// are values of a preceding flag are left alone, as is everything after
// "--".
func NormalizeArgs(args []string, sets ...*pflag.FlagSet) []string {
	lookup := func(name string) *pflag.Flag {
		for _, fs := range sets {
			if f := fs.Lookup(name); f != nil {
				return f
			}
		}
		return nil
	}
	shorthand := func(name string) *pflag.Flag {
		for _, fs := range sets {
			if f := fs.ShorthandLookup(name); f != nil {
				return f
			}
		}
		return nil
	}

	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out); i++ {
		arg := out[i]
		if arg == "--" {
			break
		}
		if len(arg) < 2 || arg[0] != '-' {
			continue
		}

		var f *pflag.Flag
		name := strings.TrimLeft(arg, "-")
		hasValue := false
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name = name[:eq]
			hasValue = true
		}

		switch {
		case arg[1] == '-':
			f = lookup(name)
		case len(name) == 1:
			f = shorthand(name)
		default:
			if f = lookup(name); f != nil {
				out[i] = "-" + arg
			}
		}

		if f != nil && !hasValue && f.NoOptDefVal == "" {
			i++
		}
	}
	return out
}

type floatValue struct {
	p *float64
}

func newFloatValue(p *float64) *floatValue {
	return &floatValue{p: p}
}

func (f *floatValue) Set(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return err
	}
	*f.p = v
	return nil
}

func (f *floatValue) String() string {
	if f.p == nil {
		return "0"
	}
	return formatFloat(*f.p)
}

func (f *floatValue) Type() string {
	return "float"
}

// pairValue accepts "a,b" or a single "a" meaning "a,a".
type pairValue struct {
	p *[2]float64
}

func newPairValue(p *[2]float64) *pairValue {
	return &pairValue{p: p}
}

func (v *pairValue) Set(s string) error {
	parts := strings.Split(s, ",")
	if len(parts) > 2 {
		return fmt.Errorf("expected two comma-separated values, got %d", len(parts))
	}

	var pair [2]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return err
		}
		pair[i] = f
	}
	if len(parts) == 1 {
		pair[1] = pair[0]
	}

	*v.p = pair
	return nil
}

func (v *pairValue) String() string {
	if v.p == nil {
		return "0,0"
	}
	return formatFloat(v.p[0]) + "," + formatFloat(v.p[1])
}

func (v *pairValue) Type() string {
	return "pair"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
