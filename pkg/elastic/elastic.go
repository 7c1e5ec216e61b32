package elastic

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	es8 "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

var DebugLog func(string, ...interface{})

const DefaultIndex = "tagtrain_epochs"

type Config struct {
	URL      string
	Username string
	Password string
	Index    string
}

type Client struct {
	es    *es8.Client
	index string
}

// Stats reports how a bulk load went.
type Stats struct {
	Indexed uint64
	Failed  uint64
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("elasticsearch URL is required")
	}
	index := cfg.Index
	if strings.TrimSpace(index) == "" {
		index = DefaultIndex
	}

	es, err := es8.NewClient(es8.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch info returned %s", res.Status())
	}

	return &Client{es: es, index: index}, nil
}

func (c *Client) Index() string {
	return c.index
}

// IndexJSONLinesFile bulk-indexes one document per non-blank line. Item
// failures are counted rather than aborting the load.
func (c *Client) IndexJSONLinesFile(ctx context.Context, filename string) (Stats, error) {
	var stats Stats

	f, err := os.Open(filename)
	if err != nil {
		return stats, fmt.Errorf("failed to open jsonl file: %w", err)
	}
	defer f.Close()

	var failed atomic.Uint64
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     c.es,
		Index:      c.index,
		NumWorkers: 2,
		OnError: func(ctx context.Context, err error) {
			if DebugLog != nil {
				DebugLog("bulk indexer error: %v", err)
			}
		},
	})
	if err != nil {
		return stats, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 8*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		item := esutil.BulkIndexerItem{
			Action: "index",
			Body:   strings.NewReader(line),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, resp esutil.BulkIndexerResponseItem, err error) {
				failed.Add(1)
				if DebugLog != nil {
					if err != nil {
						DebugLog("failed to index document: %v", err)
					} else {
						DebugLog("failed to index document: %s: %s", resp.Error.Type, resp.Error.Reason)
					}
				}
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			bi.Close(ctx)
			return stats, fmt.Errorf("bulk add failed: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		bi.Close(ctx)
		return stats, fmt.Errorf("scanner error: %w", err)
	}

	if err := bi.Close(ctx); err != nil {
		return stats, fmt.Errorf("bulk indexer close failed: %w", err)
	}

	bs := bi.Stats()
	stats.Indexed = bs.NumIndexed
	stats.Failed = bs.NumFailed
	if n := failed.Load(); n > stats.Failed {
		stats.Failed = n
	}
	return stats, nil
}
