// Package hparams holds the training configuration of a tagger run: the
// dataset and vocabulary paths, the embedding source and the numeric
// hyperparameters given on the command line.
package hparams

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samogod/tagtrain/pkg/optimizer"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

var (
	ErrUnknownOptimizer = errors.New("unknown optimizer")
	ErrNotPositive      = errors.New("must be greater than 0")
	ErrDropoutRange     = errors.New("must be in [0, 1)")
	ErrDecayRange       = errors.New("must be in (0, 1]")
	ErrMissingPath      = errors.New("path is required")
)

// TrainingConfiguration is built once from the command line and consumed
// for the duration of one run. Values are passed around by copy.
type TrainingConfiguration struct {
	Train string `yaml:"train"`
	Valid string `yaml:"valid"`
	Test  string `yaml:"test"`

	WordVocab string `yaml:"wvp"`
	CharVocab string `yaml:"cvp"`
	TagVocab  string `yaml:"tvp"`

	Embedding string `yaml:"embedding"`

	CharsPerWord    int `yaml:"clpw"`
	NegativeSamples int `yaml:"nce"`
	WordDim         int `yaml:"nwe"`
	Filters         int `yaml:"nf"`
	KernelSize      int `yaml:"ks"`
	Hiddens         int `yaml:"nhiddens"`
	Layers          int `yaml:"nlayers"`
	TagSpace        int `yaml:"nts"`

	EmbeddingDropout float64    `yaml:"edp"`
	OutputDropout    float64    `yaml:"odp"`
	RecurrentDropout [2]float64 `yaml:"rdp,flow"`

	Epochs       int     `yaml:"nepochs"`
	LearningRate float64 `yaml:"lr"`
	BatchSize    int     `yaml:"bc"`
	DecaySteps   int     `yaml:"lds"`
	DecayRate    float64 `yaml:"ldr"`
	Optimizer    string  `yaml:"op_name"`

	LogPath string `yaml:"lp"`
}

// Defaults returns the configuration used for every flag that is not given.
// Paths have no default.
func Defaults() TrainingConfiguration {
	return TrainingConfiguration{
		Embedding:        "random",
		CharsPerWord:     20,
		NegativeSamples:  5,
		WordDim:          100,
		Filters:          30,
		KernelSize:       3,
		Hiddens:          200,
		Layers:           1,
		TagSpace:         50,
		EmbeddingDropout: 0.5,
		OutputDropout:    0.5,
		RecurrentDropout: [2]float64{0.5, 0.5},
		Epochs:           50,
		LearningRate:     0.001,
		BatchSize:        32,
		DecaySteps:       1,
		DecayRate:        1,
		Optimizer:        "adam",
	}
}

type FieldError struct {
	Flag string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("--%s %v", e.Flag, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// ValidationError lists every invariant the configuration breaks.
type ValidationError struct {
	Problems []*FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Error())
	}
	return "invalid training configuration: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Problems))
	for _, p := range e.Problems {
		errs = append(errs, p)
	}
	return errs
}

func (e *ValidationError) add(flag string, err error) {
	e.Problems = append(e.Problems, &FieldError{Flag: flag, Err: err})
}

func (c TrainingConfiguration) Validate() error {
	verr := &ValidationError{}

	paths := []struct {
		flag  string
		value string
	}{
		{"train", c.Train},
		{"valid", c.Valid},
		{"test", c.Test},
		{"wvp", c.WordVocab},
		{"cvp", c.CharVocab},
		{"tvp", c.TagVocab},
		{"lp", c.LogPath},
	}
	for _, p := range paths {
		if strings.TrimSpace(p.value) == "" {
			verr.add(p.flag, ErrMissingPath)
		}
	}

	if strings.TrimSpace(c.Embedding) == "" {
		verr.add("embedding", errors.New("must not be empty"))
	}

	ints := []struct {
		flag  string
		value int
	}{
		{"clpw", c.CharsPerWord},
		{"nce", c.NegativeSamples},
		{"nwe", c.WordDim},
		{"nf", c.Filters},
		{"ks", c.KernelSize},
		{"nhiddens", c.Hiddens},
		{"nlayers", c.Layers},
		{"nts", c.TagSpace},
		{"nepochs", c.Epochs},
		{"bc", c.BatchSize},
		{"lds", c.DecaySteps},
	}
	for _, i := range ints {
		if i.value <= 0 {
			verr.add(i.flag, ErrNotPositive)
		}
	}

	if !(c.LearningRate > 0) {
		verr.add("lr", ErrNotPositive)
	}
	if !(c.DecayRate > 0 && c.DecayRate <= 1) {
		verr.add("ldr", ErrDecayRange)
	}

	dropouts := []struct {
		flag  string
		value float64
	}{
		{"edp", c.EmbeddingDropout},
		{"odp", c.OutputDropout},
		{"rdp", c.RecurrentDropout[0]},
		{"rdp", c.RecurrentDropout[1]},
	}
	for _, d := range dropouts {
		if !(d.value >= 0 && d.value < 1) {
			verr.add(d.flag, ErrDropoutRange)
		}
	}

	if !optimizer.Supported(c.Optimizer) {
		verr.add("op_name", fmt.Errorf("%w %q (supported: %s)",
			ErrUnknownOptimizer, c.Optimizer, strings.Join(optimizer.Names(), ", ")))
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

// Resolve checks that every referenced path exists. It is called right
// before training starts.
func (c TrainingConfiguration) Resolve() error {
	files := []struct {
		flag string
		path string
	}{
		{"train", c.Train},
		{"valid", c.Valid},
		{"test", c.Test},
		{"wvp", c.WordVocab},
		{"cvp", c.CharVocab},
		{"tvp", c.TagVocab},
	}

	for _, f := range files {
		info, err := os.Stat(f.path)
		if err != nil {
			return fmt.Errorf("--%s %s: %w", f.flag, f.path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("--%s %s: is a directory", f.flag, f.path)
		}
		if DebugLog != nil {
			DebugLog("resolved --%s to %s (%d bytes)", f.flag, f.path, info.Size())
		}
	}

	logDir := filepath.Dir(c.LogPath)
	info, err := os.Stat(logDir)
	if err != nil {
		return fmt.Errorf("--lp %s: log directory: %w", c.LogPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("--lp %s: %s is not a directory", c.LogPath, logDir)
	}

	if c.EmbeddingIsFile() {
		if _, err := os.Stat(c.Embedding); err != nil {
			return fmt.Errorf("--embedding %s: %w", c.Embedding, err)
		}
	}

	return nil
}

// EmbeddingIsFile reports whether the embedding identifier names a local
// file rather than a scheme such as "random" or "glove.6B.100d".
func (c TrainingConfiguration) EmbeddingIsFile() bool {
	e := c.Embedding
	if strings.ContainsRune(e, os.PathSeparator) || strings.Contains(e, "/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(e)) {
	case ".txt", ".vec":
		return true
	}
	return false
}

// Fingerprint is a short stable hash of the canonical argument list.
func (c TrainingConfiguration) Fingerprint() string {
	sum := sha256.Sum256([]byte(strings.Join(c.Args(), "\x00")))
	return hex.EncodeToString(sum[:6])
}

func (c TrainingConfiguration) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	return nil
}

func ReadYAML(path string) (TrainingConfiguration, error) {
	c := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return c, nil
}
