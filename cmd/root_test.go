package cmd

import (
	"testing"

	"github.com/samogod/tagtrain/pkg/config"
	"github.com/samogod/tagtrain/pkg/database"
	"github.com/samogod/tagtrain/pkg/dataset"
	"github.com/samogod/tagtrain/pkg/elastic"
	"github.com/samogod/tagtrain/pkg/embedding"
	"github.com/samogod/tagtrain/pkg/hparams"
	"github.com/samogod/tagtrain/pkg/session"
	"github.com/samogod/tagtrain/pkg/trainer"
	"github.com/samogod/tagtrain/pkg/vocab"

	"github.com/stretchr/testify/assert"
)

func TestSetDebugLogFunctionsWiresEveryPackage(t *testing.T) {
	setDebugLogFunctions()

	hooks := map[string]func(string, ...interface{}){
		"config":    config.DebugLog,
		"trainer":   trainer.DebugLog,
		"session":   session.DebugLog,
		"database":  database.DebugLog,
		"elastic":   elastic.DebugLog,
		"embedding": embedding.DebugLog,
		"dataset":   dataset.DebugLog,
		"hparams":   hparams.DebugLog,
		"vocab":     vocab.DebugLog,
	}
	for name, hook := range hooks {
		assert.NotNil(t, hook, name)
	}
}
