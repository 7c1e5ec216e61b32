package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "tagtrain"

// windows: C:\Users\{user}\AppData\Roaming\tagtrain
// macOS: ~/Library/Application Support/tagtrain
// linux: ~/.config/tagtrain
func GetConfigDir() string {
	return appDir(os.UserConfigDir, ".config")
}

// windows: C:\Users\{user}\AppData\Local\tagtrain
// macOS: ~/Library/Caches/tagtrain
// linux: ~/.cache/tagtrain
func GetCacheDir() string {
	return appDir(os.UserCacheDir, ".cache")
}

func appDir(base func() (string, error), homeFallback string) string {
	dir, err := base()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return filepath.Join(os.TempDir(), appName)
		}
		dir = filepath.Join(home, homeFallback)
	}
	return filepath.Join(dir, appName)
}

func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

func GetEmbeddingCacheDir() string {
	return filepath.Join(GetCacheDir(), "embeddings")
}

// linux: ~/.local/share/tagtrain/runs, elsewhere next to the cache
func GetRunsDir() string {
	if runtime.GOOS == "linux" {
		xdgData := os.Getenv("XDG_DATA_HOME")
		if xdgData == "" {
			if home, err := os.UserHomeDir(); err == nil {
				xdgData = filepath.Join(home, ".local", "share")
			}
		}
		if xdgData != "" {
			return filepath.Join(xdgData, appName, "runs")
		}
	}
	return filepath.Join(GetCacheDir(), "runs")
}
