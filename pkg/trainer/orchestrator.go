package trainer

import (
	"fmt"
	"io"
	"os"

	"github.com/samogod/tagtrain/pkg/config"
	"github.com/samogod/tagtrain/pkg/database"
	"github.com/samogod/tagtrain/pkg/elastic"

	"github.com/sirupsen/logrus"
)

var DebugLog func(string, ...interface{})

type Orchestrator struct {
	config        *config.Config
	configManager *config.Manager
	logger        *logrus.Logger
	db            *database.DB
	es            *elastic.Client
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelText string
	switch entry.Level {
	case logrus.InfoLevel:
		levelText = "[INF]"
	case logrus.WarnLevel:
		levelText = "[WARN]"
	case logrus.ErrorLevel:
		levelText = "[ERR]"
	case logrus.DebugLevel:
		levelText = "[DBG]"
	default:
		levelText = "[???]"
	}
	return []byte(fmt.Sprintf("%s %s\n", levelText, entry.Message)), nil
}

// fileHook mirrors entries into the run log file with timestamps and
// fields.
type fileHook struct {
	w         io.Writer
	formatter logrus.Formatter
}

func newFileHook(w io.Writer) *fileHook {
	return &fileHook{
		w: w,
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		},
	}
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.w.Write(line)
	return err
}

func NewLogger(out io.Writer, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&customFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// NewOrchestrator loads the environment configuration and connects the
// optional tracking backends. Backend failures only produce warnings.
func NewOrchestrator(configPath string, logger *logrus.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = NewLogger(os.Stderr, false)
	}

	configManager := config.NewManager(configPath)
	if err := configManager.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	o := New(configManager.GetConfig(), logger)
	o.configManager = configManager

	db, err := database.New(&o.config.Database)
	if err != nil {
		logger.Warnf("Database initialization failed: %v", err)
		db = nil
	}
	o.db = db

	if o.config.Elastic.Enabled {
		es, err := elastic.New(elastic.Config{
			URL:      o.config.Elastic.URL,
			Username: o.config.Elastic.Username,
			Password: o.config.Elastic.Password,
			Index:    o.config.Elastic.Index,
		})
		if err != nil {
			logger.Warnf("Elasticsearch initialization failed: %v", err)
		} else {
			o.es = es
		}
	}

	return o, nil
}

// New builds an orchestrator around an already loaded configuration
// without any tracking backends.
func New(cfg *config.Config, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = NewLogger(os.Stderr, false)
	}
	return &Orchestrator{
		config: cfg,
		logger: logger,
	}
}

func (o *Orchestrator) GetConfig() *config.Config {
	return o.config
}

func (o *Orchestrator) GetDB() *database.DB {
	return o.db
}

func (o *Orchestrator) GetElastic() *elastic.Client {
	return o.es
}

func (o *Orchestrator) Logger() *logrus.Logger {
	return o.logger
}

func (o *Orchestrator) Close() error {
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}
