package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/samogod/tagtrain/pkg/database"
	"github.com/samogod/tagtrain/pkg/dataset"
	"github.com/samogod/tagtrain/pkg/embedding"
	"github.com/samogod/tagtrain/pkg/hparams"
	"github.com/samogod/tagtrain/pkg/metrics"
	"github.com/samogod/tagtrain/pkg/model"
	"github.com/samogod/tagtrain/pkg/optimizer"
	"github.com/samogod/tagtrain/pkg/session"
	"github.com/samogod/tagtrain/pkg/vocab"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrCancelled = errors.New("run cancelled")
	ErrDiverged  = errors.New("training diverged")
)

type State string

const (
	StateLoading    State = "loading"
	StateBuilding   State = "building"
	StateTraining   State = "training"
	StateEvaluating State = "evaluating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// evalChunk is the number of sentences one evaluation goroutine scores
// into its own counter.
const evalChunk = 32

const (
	paramsFile     = "params.yaml"
	metricsFile    = "metrics.jsonl"
	summaryFile    = "summary.json"
	checkpointFile = "model.gob"
)

type RunOptions struct {
	// RunID overrides the generated "<timestamp>-<fingerprint>" id.
	RunID string
	// DryRun stops after the model is built; nothing is written.
	DryRun bool
	// OnState is called on every lifecycle transition.
	OnState func(State)
	// OnEpoch is called after each epoch's metrics are recorded.
	OnEpoch func(EpochMetrics)
}

// EpochMetrics is one line of metrics.jsonl.
type EpochMetrics struct {
	Timestamp    time.Time      `json:"@timestamp"`
	RunID        string         `json:"run_id"`
	Fingerprint  string         `json:"fingerprint"`
	Epoch        int            `json:"epoch"`
	LearningRate float64        `json:"lr"`
	TrainLoss    float64        `json:"train_loss"`
	TrainTokens  int            `json:"train_tokens"`
	ValidLoss    float64        `json:"valid_loss"`
	Valid        metrics.Result `json:"valid"`
	Best         bool           `json:"best"`
	DurationMS   int64          `json:"duration_ms"`
}

type DataStats struct {
	Train dataset.Stats `json:"train"`
	Valid dataset.Stats `json:"valid"`
	Test  dataset.Stats `json:"test"`

	Words int `json:"words"`
	Chars int `json:"chars"`
	Tags  int `json:"tags"`

	// rows of the word embedding initialised from pretrained vectors
	PretrainedWords int `json:"pretrained_words"`
	Parameters      int `json:"parameters"`
}

type RunResult struct {
	RunID       string          `json:"run_id"`
	Dir         string          `json:"dir,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	Args        []string        `json:"args"`
	State       State           `json:"state"`
	DryRun      bool            `json:"dry_run,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
	Duration    time.Duration   `json:"duration_ns"`
	Host        HostInfo        `json:"host"`
	Data        DataStats       `json:"data"`
	Epochs      []EpochMetrics  `json:"-"`
	BestEpoch   int             `json:"best_epoch"`
	BestValid   metrics.Result  `json:"best_valid"`
	Test        metrics.Result  `json:"test"`
	TestLoss    float64         `json:"test_loss"`
	TrainLoss   metrics.Summary `json:"train_loss"`
	ValidLoss   metrics.Summary `json:"valid_loss"`
}

// job carries the state of one Run call.
type job struct {
	o      *Orchestrator
	cfg    hparams.TrainingConfiguration
	opts   RunOptions
	result *RunResult
	log    *logrus.Entry
	rng    *rand.Rand

	vocabs dataset.Vocabs
	train  *dataset.Dataset
	valid  *dataset.Dataset
	test   *dataset.Dataset

	model model.Tagger
	opt   optimizer.Optimizer

	logFile     *os.File
	metricsFile *os.File
	metricsEnc  *json.Encoder
}

// Run executes one training run: load, build, train with per-epoch
// validation, evaluate the best epoch on the test set and persist the
// run directory. The returned result is non-nil even on error.
func (o *Orchestrator) Run(ctx context.Context, cfg hparams.TrainingConfiguration, opts RunOptions) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{
		Fingerprint: cfg.Fingerprint(),
		Args:        cfg.Args(),
		StartTime:   start,
		BestEpoch:   -1,
		Host:        Host(),
		DryRun:      opts.DryRun,
	}
	result.RunID = opts.RunID
	if result.RunID == "" {
		result.RunID = fmt.Sprintf("%s-%s", start.Format("20060102-150405"), result.Fingerprint)
	}

	j := &job{
		o:      o,
		cfg:    cfg,
		opts:   opts,
		result: result,
		log:    o.logger.WithField("run", result.RunID),
		rng:    rand.New(rand.NewSource(o.config.DefaultSettings.Seed)),
	}
	defer j.close()

	if minutes := o.config.DefaultSettings.Timeout; minutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(minutes)*time.Minute)
		defer cancel()
	}

	err := cfg.Validate()
	if err == nil {
		err = cfg.Resolve()
	}
	if err == nil {
		err = j.run(ctx)
	}
	j.finish(err)
	return result, err
}

func (j *job) run(ctx context.Context) error {
	if err := j.openLogs(); err != nil {
		return err
	}

	j.setState(StateLoading)
	if err := j.load(); err != nil {
		return err
	}

	j.setState(StateBuilding)
	if err := j.build(ctx); err != nil {
		return err
	}
	if j.opts.DryRun {
		j.log.Infof("Dry run: model with %d parameters built, skipping training", j.result.Data.Parameters)
		return nil
	}

	if err := j.prepareRunDir(); err != nil {
		return err
	}
	if err := j.trainEpochs(ctx); err != nil {
		return err
	}

	j.setState(StateEvaluating)
	return j.evaluateTest()
}

func (j *job) setState(s State) {
	j.result.State = s
	if DebugLog != nil {
		DebugLog("run %s: %s", j.result.RunID, s)
	}
	if j.opts.OnState != nil {
		j.opts.OnState(s)
	}
}

// openLogs builds the run logger: the orchestrator's console output plus,
// outside dry runs, the --lp file.
func (j *job) openLogs() error {
	base := j.o.logger
	logger := logrus.New()
	logger.SetOutput(base.Out)
	logger.SetFormatter(base.Formatter)
	logger.SetLevel(base.GetLevel())

	if !j.opts.DryRun && j.cfg.LogPath != "" {
		f, err := os.OpenFile(j.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		j.logFile = f
		logger.AddHook(newFileHook(f))
	}

	j.log = logger.WithField("run", j.result.RunID)
	j.log.WithField("args", j.cfg.CommandLine()).Infof("Starting run %s", j.result.RunID)
	return nil
}

func (j *job) load() error {
	words, err := vocab.Load(j.cfg.WordVocab)
	if err != nil {
		return fmt.Errorf("word vocabulary: %w", err)
	}
	chars, err := vocab.Load(j.cfg.CharVocab)
	if err != nil {
		return fmt.Errorf("char vocabulary: %w", err)
	}
	tags, err := vocab.Load(j.cfg.TagVocab)
	if err != nil {
		return fmt.Errorf("tag vocabulary: %w", err)
	}
	j.vocabs = dataset.Vocabs{
		Words: words.WithUnknown(),
		Chars: chars.WithUnknown(),
		Tags:  tags,
	}
	j.result.Data.Words = j.vocabs.Words.Len()
	j.result.Data.Chars = j.vocabs.Chars.Len()
	j.result.Data.Tags = j.vocabs.Tags.Len()

	for _, d := range []struct {
		path string
		dst  **dataset.Dataset
		st   *dataset.Stats
	}{
		{j.cfg.Train, &j.train, &j.result.Data.Train},
		{j.cfg.Valid, &j.valid, &j.result.Data.Valid},
		{j.cfg.Test, &j.test, &j.result.Data.Test},
	} {
		ds, err := dataset.Load(d.path, j.vocabs, j.cfg.CharsPerWord)
		if err != nil {
			return err
		}
		*d.dst = ds
		*d.st = ds.Stats
	}

	j.log.Infof("Loaded %d/%d/%d sentences (%d words, %d chars, %d tags)",
		j.train.Stats.Sentences, j.valid.Stats.Sentences, j.test.Stats.Sentences,
		j.result.Data.Words, j.result.Data.Chars, j.result.Data.Tags)
	if s := j.train.Stats; s.UnknownWords > 0 || s.ClippedWords > 0 {
		j.log.Debugf("Training data: %d unknown words, %d unknown chars, %d words clipped to %d chars",
			s.UnknownWords, s.UnknownChars, s.ClippedWords, j.cfg.CharsPerWord)
	}
	return nil
}

func (j *job) build(ctx context.Context) error {
	spec := model.Spec{
		Words:            j.vocabs.Words.Len(),
		Chars:            j.vocabs.Chars.Len(),
		Tags:             j.vocabs.Tags.Len(),
		WordDim:          j.cfg.WordDim,
		Filters:          j.cfg.Filters,
		KernelSize:       j.cfg.KernelSize,
		Hiddens:          j.cfg.Hiddens,
		Layers:           j.cfg.Layers,
		TagSpace:         j.cfg.TagSpace,
		EmbeddingDropout: j.cfg.EmbeddingDropout,
		OutputDropout:    j.cfg.OutputDropout,
		RecurrentDropout: j.cfg.RecurrentDropout,
		NegativeSamples:  j.cfg.NegativeSamples,
	}
	m, err := model.New(spec, j.rng)
	if err != nil {
		return err
	}

	var sess *session.Session
	if j.o.config.Embeddings.BaseURL != "" {
		sess, err = session.New(j.o.config)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
	}
	vectors, err := embedding.NewResolver(j.o.config, sess).Resolve(ctx, j.cfg.Embedding, j.cfg.WordDim)
	if err != nil {
		return fmt.Errorf("embedding %q: %w", j.cfg.Embedding, err)
	}
	covered, err := embedding.Apply(m.WordEmbeddings(), j.cfg.WordDim, j.vocabs.Words, vectors)
	if err != nil {
		return err
	}
	j.result.Data.PretrainedWords = covered
	if vectors != nil {
		j.log.Infof("Initialised %d of %d word vectors from %s", covered, j.vocabs.Words.Len(), j.cfg.Embedding)
	}

	opt, err := optimizer.New(j.cfg.Optimizer)
	if err != nil {
		return err
	}

	for _, p := range m.Params() {
		j.result.Data.Parameters += len(p.Value)
	}
	j.model = m
	j.opt = opt
	return nil
}

func (j *job) prepareRunDir() error {
	dir := filepath.Join(j.o.config.Output.RunsDir, j.result.RunID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	j.result.Dir = dir

	if err := j.cfg.WriteYAML(filepath.Join(dir, paramsFile)); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, metricsFile))
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	j.metricsFile = f
	j.metricsEnc = json.NewEncoder(f)

	if db := j.o.db; db != nil && db.IsEnabled() {
		err := db.StartRun(database.RunRecord{
			ID:          j.result.RunID,
			Fingerprint: j.result.Fingerprint,
			Args:        j.cfg.CommandLine(),
			StartedAt:   j.result.StartTime,
		})
		if err != nil {
			j.log.Warnf("Failed to track run in database: %v", err)
		}
	}
	return nil
}

func (j *job) trainEpochs(ctx context.Context) error {
	schedule := Schedule{Base: j.cfg.LearningRate, Steps: j.cfg.DecaySteps, Rate: j.cfg.DecayRate}
	var best map[string][]float64

	for epoch := 0; epoch < j.cfg.Epochs; epoch++ {
		j.setState(StateTraining)
		epochStart := time.Now()
		lr := schedule.At(epoch)

		total, tokens := 0.0, 0
		for _, batch := range j.train.Batches(j.cfg.BatchSize, j.rng) {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrCancelled, err)
			}
			loss, n := j.model.TrainBatch(batch, j.rng)
			if !finite(loss) {
				return fmt.Errorf("%w: train loss %v in epoch %d at lr=%g", ErrDiverged, loss, epoch+1, lr)
			}
			j.opt.Step(j.model.Params(), lr)
			total += loss * float64(n)
			tokens += n
		}
		if !finite(total) {
			return fmt.Errorf("%w: train loss overflowed in epoch %d at lr=%g", ErrDiverged, epoch+1, lr)
		}

		j.setState(StateEvaluating)
		counter, validLoss, err := j.evaluate(ctx, j.valid)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if !finite(validLoss) {
			return fmt.Errorf("%w: validation loss %v in epoch %d at lr=%g", ErrDiverged, validLoss, epoch+1, lr)
		}
		valid := counter.Result()

		em := EpochMetrics{
			Timestamp:    time.Now().UTC(),
			RunID:        j.result.RunID,
			Fingerprint:  j.result.Fingerprint,
			Epoch:        epoch,
			LearningRate: lr,
			TrainTokens:  tokens,
			ValidLoss:    validLoss,
			Valid:        valid,
		}
		if tokens > 0 {
			em.TrainLoss = total / float64(tokens)
		}

		if j.result.BestEpoch < 0 || better(valid, j.result.BestValid) {
			em.Best = true
			j.result.BestEpoch = epoch
			j.result.BestValid = valid
			best = j.model.Snapshot()
			if err := j.saveCheckpoint(); err != nil {
				return err
			}
		}
		em.DurationMS = time.Since(epochStart).Milliseconds()

		if err := j.recordEpoch(em); err != nil {
			return err
		}

		j.log.Infof("Epoch %d/%d lr=%.6g train_loss=%.4f valid_loss=%.4f acc=%.4f f1=%.4f%s",
			epoch+1, j.cfg.Epochs, lr, em.TrainLoss, validLoss, valid.Accuracy, valid.F1, bestMark(em.Best))
	}

	if best != nil {
		if err := j.model.Restore(best); err != nil {
			return err
		}
	}
	return nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// better prefers higher chunk F1, then higher token accuracy.
func better(r, best metrics.Result) bool {
	if r.F1 != best.F1 {
		return r.F1 > best.F1
	}
	return r.Accuracy > best.Accuracy
}

func bestMark(best bool) string {
	if best {
		return " *"
	}
	return ""
}

func (j *job) saveCheckpoint() error {
	if !j.o.config.Output.Checkpoint || j.result.Dir == "" {
		return nil
	}
	path := filepath.Join(j.result.Dir, checkpointFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	if err := j.model.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (j *job) recordEpoch(em EpochMetrics) error {
	j.result.Epochs = append(j.result.Epochs, em)

	if err := j.metricsEnc.Encode(em); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}

	if db := j.o.db; db != nil && db.IsEnabled() {
		err := db.RecordEpoch(database.EpochRecord{
			RunID:         em.RunID,
			Epoch:         em.Epoch,
			LearningRate:  em.LearningRate,
			TrainLoss:     em.TrainLoss,
			ValidLoss:     em.ValidLoss,
			ValidAccuracy: em.Valid.Accuracy,
			ValidF1:       em.Valid.F1,
			Duration:      time.Duration(em.DurationMS) * time.Millisecond,
		})
		if err != nil {
			j.log.Warnf("Failed to record epoch in database: %v", err)
		}
	}

	if j.opts.OnEpoch != nil {
		j.opts.OnEpoch(em)
	}
	return nil
}

func (j *job) evaluateTest() error {
	counter, loss, err := j.evaluate(context.Background(), j.test)
	if err != nil {
		return err
	}
	test := counter.Result()
	j.result.Test = test
	j.result.TestLoss = loss
	j.log.Infof("Test (best epoch %d): loss=%.4f acc=%.4f precision=%.4f recall=%.4f f1=%.4f",
		j.result.BestEpoch+1, loss, test.Accuracy, test.Precision, test.Recall, test.F1)
	for _, typ := range counter.Types() {
		s := test.ByType[typ]
		j.log.Debugf("  %-10s precision=%.4f recall=%.4f f1=%.4f", typ, s.Precision, s.Recall, s.F1)
	}
	return nil
}

// evaluate scores a dataset with dropout off. Sentences are cut into
// chunks of evalChunk, each scored into its own counter on at most
// workers goroutines, and the counters are merged in chunk order.
func (j *job) evaluate(ctx context.Context, ds *dataset.Dataset) (*metrics.Counter, float64, error) {
	workers := j.o.config.DefaultSettings.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	n := len(ds.Sentences)
	chunks := (n + evalChunk - 1) / evalChunk
	counters := make([]metrics.Counter, chunks)
	losses := make([]float64, chunks)
	tokens := make([]int, chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for c := 0; c < chunks; c++ {
		c := c
		g.Go(func() error {
			end := (c + 1) * evalChunk
			if end > n {
				end = n
			}
			for _, s := range ds.Sentences[c*evalChunk : end] {
				if err := gctx.Err(); err != nil {
					return err
				}
				loss, t := j.score(s, &counters[c])
				losses[c] += loss
				tokens[c] += t
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var (
		total metrics.Counter
		sum   float64
		count int
	)
	for c := range counters {
		total.Merge(&counters[c])
		sum += losses[c]
		count += tokens[c]
	}

	loss := 0.0
	if count > 0 {
		loss = sum / float64(count)
	}
	return &total, loss, nil
}

// score adds one sentence to counter and returns its summed loss and
// token count.
func (j *job) score(s dataset.Sentence, counter *metrics.Counter) (float64, int) {
	tags := j.vocabs.Tags
	pred := j.model.Predict(s)
	gold := make([]string, s.Len())
	predicted := make([]string, s.Len())
	for k := range s.Tags {
		gold[k] = tags.Token(s.Tags[k])
		predicted[k] = tags.Token(pred[k])
	}
	counter.Add(gold, predicted)

	loss, t := j.model.Loss([]dataset.Sentence{s})
	return loss * float64(t), t
}

// finish settles the final state, writes the summary, indexes metrics and
// closes the database record.
func (j *job) finish(err error) {
	r := j.result
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)

	switch {
	case err == nil:
		r.State = StateCompleted
	case errors.Is(err, ErrCancelled):
		r.State = StateCancelled
		r.Error = err.Error()
	default:
		r.State = StateFailed
		r.Error = err.Error()
	}
	if j.opts.OnState != nil {
		j.opts.OnState(r.State)
	}

	trainLosses := make([]float64, len(r.Epochs))
	validLosses := make([]float64, len(r.Epochs))
	for i, e := range r.Epochs {
		trainLosses[i] = e.TrainLoss
		validLosses[i] = e.ValidLoss
	}
	r.TrainLoss = metrics.Summarize(trainLosses)
	r.ValidLoss = metrics.Summarize(validLosses)

	switch r.State {
	case StateCompleted:
		j.log.Infof("Run %s completed in %s", r.RunID, r.Duration.Round(time.Millisecond))
	case StateCancelled:
		j.log.Warnf("Run %s cancelled after %d epochs", r.RunID, len(r.Epochs))
	default:
		j.log.Errorf("Run %s failed: %v", r.RunID, err)
	}

	if r.Dir == "" {
		return
	}

	if j.metricsFile != nil {
		j.metricsFile.Close()
		j.metricsFile = nil
	}

	if werr := writeJSON(filepath.Join(r.Dir, summaryFile), r); werr != nil {
		j.log.Warnf("Failed to write summary: %v", werr)
	}

	if j.o.es != nil && len(r.Epochs) > 0 {
		stats, ierr := j.o.es.IndexJSONLinesFile(context.Background(), filepath.Join(r.Dir, metricsFile))
		if ierr != nil {
			j.log.Warnf("Failed to index metrics: %v", ierr)
		} else if stats.Failed > 0 {
			j.log.Warnf("Indexed %d epoch documents into %s, %d failed", stats.Indexed, j.o.es.Index(), stats.Failed)
		} else if DebugLog != nil {
			DebugLog("indexed %d epoch documents into %s", stats.Indexed, j.o.es.Index())
		}
	}

	if db := j.o.db; db != nil && db.IsEnabled() {
		ferr := db.FinishRun(r.RunID, database.Outcome{
			Status:    string(r.State),
			BestEpoch: r.BestEpoch,
			BestF1:    r.BestValid.F1,
			TestF1:    r.Test.F1,
			Error:     r.Error,
		})
		if ferr != nil {
			j.log.Warnf("Failed to finish run in database: %v", ferr)
		}
	}
}

func (j *job) close() {
	if j.metricsFile != nil {
		j.metricsFile.Close()
	}
	if j.logFile != nil {
		j.logFile.Close()
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
