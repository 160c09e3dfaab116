// Package journal persists ledger events, scan results and range changes to
// S3 as parquet files. It is write-only and never read back by the core.
package journal

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"hedgeflow/config"
	"hedgeflow/logger"
	"hedgeflow/models"
)

const component = "decision_journal"

// Sink receives decision events from the ledger, scanner and range manager.
type Sink interface {
	RecordPosition(ctx context.Context, event string, pos models.ArbitragePosition)
	RecordOpportunities(ctx context.Context, opps []models.ArbitrageOpportunity)
	RecordRange(ctx context.Context, event string, r models.LiquidityRange)
	Start(ctx context.Context) error
	Stop()
}

// NopSink drops everything.
type NopSink struct{}

func (NopSink) RecordPosition(context.Context, string, models.ArbitragePosition)   {}
func (NopSink) RecordOpportunities(context.Context, []models.ArbitrageOpportunity) {}
func (NopSink) RecordRange(context.Context, string, models.LiquidityRange)         {}
func (NopSink) Start(context.Context) error                                        { return nil }
func (NopSink) Stop()                                                              {}

// ObjectPutter is the subset of the S3 client the journal needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type memFile struct {
	buffer *bytes.Buffer
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }

type batch struct {
	kind    Kind
	records []interface{}
	reason  string
}

// Journal buffers records per kind and uploads a parquet file when a buffer
// reaches MaxBuffer or the flush interval fires.
type Journal struct {
	client      ObjectPutter
	bucket      string
	compression string
	interval    time.Duration
	maxBuffer   int
	now         func() time.Time
	log         *logger.Log

	mu        sync.Mutex
	buffer    map[Kind][]interface{}
	manifests map[Kind]*manifest

	// state guards running and jobCh against a concurrent Stop.
	state   sync.RWMutex
	running bool
	jobCh   chan batch
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Journal)

func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

func WithLogger(log *logger.Log) Option {
	return func(j *Journal) {
		if log != nil {
			j.log = log
		}
	}
}

func New(client ObjectPutter, cfg config.JournalConfig, opts ...Option) *Journal {
	j := &Journal{
		client:      client,
		bucket:      cfg.Bucket,
		compression: strings.ToLower(cfg.Compression),
		interval:    cfg.FlushInterval,
		maxBuffer:   cfg.MaxBuffer,
		now:         time.Now,
		log:         logger.GetLogger(),
		buffer:      make(map[Kind][]interface{}),
		manifests:   make(map[Kind]*manifest),
	}
	if j.interval <= 0 {
		j.interval = time.Minute
	}
	if j.maxBuffer <= 0 {
		j.maxBuffer = 256
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// NewFromConfig returns NopSink when the journal is disabled, otherwise a
// Journal backed by an S3 client.
func NewFromConfig(ctx context.Context, cfg config.JournalConfig, log *logger.Log) (Sink, error) {
	if !cfg.Enabled {
		return NopSink{}, nil
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("journal enabled without a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return New(client, cfg, WithLogger(log)), nil
}

// Start launches the flush ticker and one upload worker.
func (j *Journal) Start(ctx context.Context) error {
	j.state.Lock()
	defer j.state.Unlock()
	if j.running {
		return fmt.Errorf("journal already running")
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.jobCh = make(chan batch, 16)
	j.running = true

	j.log.WithComponent(component).WithFields(logger.Fields{
		"bucket":         j.bucket,
		"flush_interval": j.interval.String(),
		"max_buffer":     j.maxBuffer,
	}).Info("starting decision journal")

	j.wg.Add(2)
	go j.flushLoop(ctx)
	go j.uploadWorker(j.jobCh)
	return nil
}

// Stop drains queued uploads and flushes what is still buffered.
func (j *Journal) Stop() {
	j.state.Lock()
	if !j.running {
		j.state.Unlock()
		j.Flush("shutdown")
		return
	}
	j.running = false
	j.cancel()
	close(j.jobCh)
	j.state.Unlock()

	j.wg.Wait()
	j.Flush("shutdown")
	j.log.WithComponent(component).Info("decision journal stopped")
}

func (j *Journal) RecordPosition(_ context.Context, event string, pos models.ArbitragePosition) {
	j.add(KindPosition, newPositionRecord(j.now(), event, pos))
}

func (j *Journal) RecordOpportunities(_ context.Context, opps []models.ArbitrageOpportunity) {
	for _, o := range opps {
		j.add(KindOpportunity, newOpportunityRecord(o))
	}
}

func (j *Journal) RecordRange(_ context.Context, event string, r models.LiquidityRange) {
	j.add(KindRange, newRangeRecord(j.now(), event, r))
}

// Flush hands every non-empty buffer to the uploader.
func (j *Journal) Flush(reason string) {
	j.mu.Lock()
	buffers := j.buffer
	j.buffer = make(map[Kind][]interface{})
	j.mu.Unlock()

	for kind, records := range buffers {
		if len(records) > 0 {
			j.dispatch(batch{kind: kind, records: records, reason: reason})
		}
	}
}

func (j *Journal) add(kind Kind, rec interface{}) {
	var full []interface{}
	j.mu.Lock()
	j.buffer[kind] = append(j.buffer[kind], rec)
	if len(j.buffer[kind]) >= j.maxBuffer {
		full = j.buffer[kind]
		delete(j.buffer, kind)
	}
	j.mu.Unlock()

	if len(full) > 0 {
		j.dispatch(batch{kind: kind, records: full, reason: "max_buffer"})
	}
}

// dispatch queues b for the worker, or uploads inline when not running.
func (j *Journal) dispatch(b batch) {
	j.state.RLock()
	if j.running {
		j.jobCh <- b
		j.state.RUnlock()
		return
	}
	j.state.RUnlock()
	j.process(b)
}

func (j *Journal) flushLoop(ctx context.Context) {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Flush("interval")
		}
	}
}

func (j *Journal) uploadWorker(jobs <-chan batch) {
	defer j.wg.Done()
	for b := range jobs {
		j.process(b)
	}
}

func (j *Journal) process(b batch) {
	entry := j.log.WithComponent(component).WithFields(logger.Fields{
		"kind":         string(b.kind),
		"record_count": len(b.records),
		"reason":       b.reason,
	})

	data, err := j.encode(b)
	if err != nil {
		entry.WithError(err).Error("failed to encode journal parquet")
		return
	}

	at := j.now()
	key := objectKey(b.kind, at)
	if err := j.put(key, data, map[string]string{
		"content-type": "parquet",
		"compression":  j.compression,
		"kind":         string(b.kind),
	}); err != nil {
		entry.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to upload journal parquet")
		return
	}
	entry.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("journal batch uploaded")

	meta, err := j.manifest(b.kind).add(DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", j.bucket, key),
		FileSize:    int64(len(data)),
		RecordCount: int64(len(b.records)),
		Date:        at.UTC().Format("2006-01-02"),
	}, at)
	if err == nil {
		err = j.put(manifestKey(b.kind), meta, map[string]string{"content-type": "json", "kind": string(b.kind)})
	}
	if err != nil {
		entry.WithError(err).Warn("failed to update journal table metadata")
	}
}

func (j *Journal) manifest(kind Kind) *manifest {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, ok := j.manifests[kind]
	if !ok {
		m = newManifest(fmt.Sprintf("s3://%s/kind=%s", j.bucket, kind))
		j.manifests[kind] = m
	}
	return m
}

func (j *Journal) put(key string, body []byte, meta map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	_, err := j.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(j.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    meta,
	})
	return err
}

func (j *Journal) encode(b batch) ([]byte, error) {
	mem := &memFile{buffer: &bytes.Buffer{}}
	pw, err := writer.NewParquetWriter(mem, schema(b.kind), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch j.compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range b.records {
		if err := pw.Write(rec); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("write %s record: %w", b.kind, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize %s parquet: %w", b.kind, err)
	}
	return mem.buffer.Bytes(), nil
}

func manifestKey(kind Kind) string {
	return path.Join("kind="+string(kind), "metadata", "metadata.json")
}

// objectKey is kind=<kind>/date=<yyyy-mm-dd>/<yyyymmddhhmmss><uuid>.parquet.
func objectKey(kind Kind, at time.Time) string {
	at = at.UTC()
	return path.Join(
		"kind="+string(kind),
		"date="+at.Format("2006-01-02"),
		at.Format("20060102150405")+uuid.NewString()+".parquet",
	)
}
