// Package recorder archives the normalized price-update stream as
// parquet batches, partitioned by venue and day, for offline analysis.
// Batches land in S3 when configured, otherwise on local disk.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
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

	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// ParquetRecord is the on-disk row layout for one price update.
type ParquetRecord struct {
	Venue     string  `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarketID  string  `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	OutcomeID string  `parquet:"name=outcome_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	PrevPrice float64 `parquet:"name=prev_price, type=DOUBLE"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface over a buffer.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (m *memoryFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memoryFileWriter) Read(b []byte) (int, error)                { return m.buffer.Read(b) }
func (m *memoryFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memoryFileWriter) Close() error                              { return nil }
func (m *memoryFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// Recorder buffers updates per (venue, market) and flushes them on a
// fixed cadence or when a buffer reaches the batch size.
type Recorder struct {
	cfg      appconfig.RecorderConfig
	s3cfg    appconfig.S3Config
	s3Client *s3.Client
	in       chan models.PriceUpdate
	log      *logger.Log

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	buffer  map[string][]models.PriceUpdate
	ticker  *time.Ticker
}

func New(cfg appconfig.RecorderConfig, s3cfg appconfig.S3Config) (*Recorder, error) {
	log := logger.GetLogger()

	r := &Recorder{
		cfg:    cfg,
		s3cfg:  s3cfg,
		in:     make(chan models.PriceUpdate, bufferSize(cfg)),
		log:    log,
		buffer: make(map[string][]models.PriceUpdate),
	}

	if s3cfg.Enabled {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(s3cfg.Region),
		}
		if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws configuration: %w", err)
		}
		r.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if s3cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(s3cfg.Endpoint)
			}
			o.UsePathStyle = s3cfg.PathStyle
		})
		log.WithComponent("recorder").WithFields(logger.Fields{
			"bucket": s3cfg.Bucket, "region": s3cfg.Region,
		}).Info("recorder targeting s3")
	} else if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("create recorder directory: %w", err)
		}
		log.WithComponent("recorder").WithFields(logger.Fields{
			"directory": cfg.Directory,
		}).Info("recorder targeting local disk")
	}

	return r, nil
}

func bufferSize(cfg appconfig.RecorderConfig) int {
	if cfg.Buffer > 0 {
		return cfg.Buffer
	}
	return 1024
}

// QueueDepth reports the current length and capacity of the intake
// queue, for occupancy gauges.
func (r *Recorder) QueueDepth() (int, int) {
	return len(r.in), cap(r.in)
}

// Record enqueues one update; a full queue drops the update rather
// than blocking the feed callback.
func (r *Recorder) Record(u models.PriceUpdate) {
	select {
	case r.in <- u:
	default:
	}
}

func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	interval := r.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	r.ticker = time.NewTicker(interval)

	r.wg.Add(2)
	go r.collectWorker()
	go r.flushWorker()

	r.log.WithComponent("recorder").Info("recorder started")
	return nil
}

func (r *Recorder) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	if r.ticker != nil {
		r.ticker.Stop()
	}
	r.wg.Wait()
	r.log.WithComponent("recorder").Info("recorder stopped")
}

func (r *Recorder) collectWorker() {
	defer r.wg.Done()

	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case u := <-r.in:
			key := bufferKey(u)
			r.mu.Lock()
			r.buffer[key] = append(r.buffer[key], u)
			full := len(r.buffer[key]) >= batchSize
			r.mu.Unlock()
			if full {
				r.flush("batch_size")
			}
		}
	}
}

func (r *Recorder) flushWorker() {
	defer r.wg.Done()

	log := r.log.WithComponent("recorder").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-r.ctx.Done():
			r.flush("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-r.ticker.C:
			r.flush("interval")
		}
	}
}

func bufferKey(u models.PriceUpdate) string {
	return fmt.Sprintf("%s|%s", u.Venue, u.MarketID)
}

func (r *Recorder) flush(reason string) {
	r.mu.Lock()
	buffers := r.buffer
	r.buffer = make(map[string][]models.PriceUpdate)
	r.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for key, updates := range buffers {
		if len(updates) == 0 {
			continue
		}
		parts := strings.SplitN(key, "|", 2)
		if err := r.writeBatch(parts[0], parts[1], updates); err != nil {
			r.log.WithComponent("recorder").WithError(err).WithFields(logger.Fields{
				"venue": parts[0], "market": parts[1], "records": len(updates),
			}).Error("batch write failed")
		}
	}
}

func (r *Recorder) writeBatch(venue, marketID string, updates []models.PriceUpdate) error {
	data, err := buildParquet(updates)
	if err != nil {
		return err
	}

	ts := time.Now().UTC()
	key := objectKey(venue, marketID, ts)

	if r.s3Client != nil {
		_, err := r.s3Client.PutObject(r.ctx, &s3.PutObjectInput{
			Bucket: aws.String(r.s3cfg.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	} else if r.cfg.Directory != "" {
		path := filepath.Join(r.cfg.Directory, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	} else {
		return nil
	}

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"key": key, "records": len(updates), "file_size": len(data),
	}).Info("batch archived")
	return nil
}

func objectKey(venue, marketID string, ts time.Time) string {
	filename := fmt.Sprintf("%s_%s_%s_%s.parquet",
		venue, sanitize(marketID), ts.Format("20060102150405"), uuid.NewString()[:8])
	return filepath.ToSlash(filepath.Join(
		fmt.Sprintf("venue=%s", venue),
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		filename,
	))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func buildParquet(updates []models.PriceUpdate) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, u := range updates {
		rec := ParquetRecord{
			Venue:     string(u.Venue),
			MarketID:  u.MarketID,
			OutcomeID: u.OutcomeID,
			Price:     u.Price,
			Timestamp: u.Timestamp.UnixMilli(),
		}
		if u.HasPrev {
			rec.PrevPrice = u.PrevPrice
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}
