package embedding

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/samogod/tagtrain/pkg/session"
)

type Downloader struct {
	cacheDir string
	baseURL  string
	sess     *session.Session
}

func NewDownloader(cacheDir, baseURL string, sess *session.Session) *Downloader {
	return &Downloader{
		cacheDir: cacheDir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		sess:     sess,
	}
}

// Fetch returns the cached file for name, downloading <base_url>/<name>.txt
// on a miss or when forceDownload is set.
func (d *Downloader) Fetch(ctx context.Context, name string, forceDownload bool) (string, error) {
	path := CachePath(d.cacheDir, name)

	if !forceDownload && fileExists(path) {
		if DebugLog != nil {
			DebugLog("using cached embedding %s", path)
		}
		return path, nil
	}

	if d.baseURL == "" || d.sess == nil {
		return "", fmt.Errorf("%w: %s is not cached in %s and embeddings.base_url is not set", ErrNotFound, name, d.cacheDir)
	}

	if err := os.MkdirAll(d.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	url := d.baseURL + "/" + name + ".txt"
	if DebugLog != nil {
		DebugLog("downloading embedding %s from %s", name, url)
	}

	if err := d.downloadFile(ctx, url, path); err != nil {
		return "", fmt.Errorf("failed to download %s: %w", name, err)
	}

	return path, nil
}

// downloadFile writes to a temporary file first so an interrupted download
// never leaves a truncated cache entry behind.
func (d *Downloader) downloadFile(ctx context.Context, url, dest string) error {
	resp, err := d.sess.Get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), dest)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
