package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samogod/tagtrain/pkg/hparams"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainingFlags(t *testing.T, args ...string) *hparams.TrainingConfiguration {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := hparams.RegisterFlags(fs)
	require.NoError(t, fs.Parse(hparams.NormalizeArgs(args, fs)))
	return cfg
}

func requiredArgs(dir string) []string {
	return []string{
		"-train", filepath.Join(dir, "train.conll"),
		"-valid", filepath.Join(dir, "valid.conll"),
		"-test", filepath.Join(dir, "test.conll"),
		"-wvp", filepath.Join(dir, "words.pkl"),
		"-cvp", filepath.Join(dir, "chars.pkl"),
		"-tvp", filepath.Join(dir, "tags.pkl"),
		"-lp", filepath.Join(dir, "train.log"),
	}
}

func TestCheckArgsPrintsCanonicalLine(t *testing.T) {
	dir := t.TempDir()
	cfg := trainingFlags(t, append(requiredArgs(dir), "-lr", "0.01", "-rdp", "0.3")...)

	line, err := checkArgs(cfg, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "--train "+filepath.Join(dir, "train.conll")))
	assert.Contains(t, line, "--lr 0.01")
	assert.Contains(t, line, "--rdp 0.3,0.3")
}

func TestCheckArgsResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := trainingFlags(t, requiredArgs(dir)...)

	_, err := checkArgs(cfg, true)
	assert.ErrorIs(t, err, os.ErrNotExist)

	for _, name := range []string{"train.conll", "valid.conll", "test.conll", "words.pkl", "chars.pkl", "tags.pkl"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	_, err = checkArgs(cfg, true)
	assert.NoError(t, err)
}

func TestCheckArgsRejectsInvalid(t *testing.T) {
	cfg := trainingFlags(t, append(requiredArgs(t.TempDir()), "-op_name", "lbfgs")...)
	_, err := checkArgs(cfg, false)
	assert.ErrorIs(t, err, hparams.ErrUnknownOptimizer)
}

func TestCommandFlagSetsNormalizeSubcommandFlags(t *testing.T) {
	args := []string{"args", "-check", "-silent", "-train", "-test", "-c", "-lr", "runs"}
	out := hparams.NormalizeArgs(args, commandFlagSets()...)
	assert.Equal(t, []string{"args", "--check", "--silent", "--train", "-test", "-c", "-lr", "runs"}, out)
}

func TestArgsCommand(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(hparams.NormalizeArgs(append([]string{"args", "--silent"}, requiredArgs(dir)...), commandFlagSets()...))
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())

	back, err := hparams.Parse(strings.Fields(strings.TrimSpace(stdout.String())))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "train.conll"), back.Train)
	assert.Equal(t, *argsCfg, back)
	assert.Empty(t, stderr.String())
}
