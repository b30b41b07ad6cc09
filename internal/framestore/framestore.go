// Package framestore keeps the newest preview frame per venue for the
// dashboard. Frames live in memory; when an S3 bucket is configured the
// latest frame is also mirrored there (rate-limited per venue) so external
// dashboards can fetch previews without holding a relay connection.
package framestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/wire"
)

// Frame is one stored preview frame.
type Frame struct {
	VenueID    string `json:"venueId"`
	Timestamp  int64  `json:"timestamp"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Format     string `json:"format"`
	Data       string `json:"data"` // base64
	ReceivedAt time.Time
}

// S3Options configures the optional mirror.
type S3Options struct {
	Bucket      string
	Region      string
	Endpoint    string
	Prefix      string
	AccessKey   string
	SecretKey   string
	MinInterval time.Duration
}

type uploadJob struct {
	venueID string
	data    []byte
	format  string
}

// Store holds the latest frame per venue.
type Store struct {
	log zerolog.Logger

	mu     sync.RWMutex
	latest map[string]Frame

	// S3 mirror; nil client disables it.
	client      *s3.Client
	bucket      string
	prefix      string
	minInterval time.Duration
	lastUpload  map[string]time.Time

	ch       chan uploadJob
	stopped  atomic.Bool
	stopOnce sync.Once
}

// New creates a memory-only store.
func New(log zerolog.Logger) *Store {
	return &Store{
		log:    log.With().Str("component", "framestore").Logger(),
		latest: make(map[string]Frame),
	}
}

// NewWithS3 creates a store that mirrors the newest frame per venue to an
// S3-compatible bucket. Call Start to launch the upload worker.
func NewWithS3(opts S3Options, log zerolog.Logger) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}

	st := New(log)
	st.client = s3.NewFromConfig(awsCfg, s3Opts...)
	st.bucket = opts.Bucket
	st.prefix = opts.Prefix
	st.minInterval = opts.MinInterval
	st.lastUpload = make(map[string]time.Time)
	st.ch = make(chan uploadJob, 8)
	return st, nil
}

// HeadBucket checks that the bucket exists and credentials are valid.
func (s *Store) HeadBucket(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	return err
}

// Start launches the S3 upload worker. No-op for memory-only stores.
func (s *Store) Start() {
	if s.client == nil {
		return
	}
	go s.worker()
	s.log.Info().Str("bucket", s.bucket).Msg("frame mirror started")
}

// Stop drains the upload worker.
func (s *Store) Stop() {
	if s.ch == nil {
		return
	}
	s.stopped.Store(true)
	s.stopOnce.Do(func() { close(s.ch) })
}

// Put records the venue's newest frame, replacing any previous one, and
// enqueues an S3 mirror upload when the per-venue interval has elapsed.
func (s *Store) Put(venueID string, f wire.PreviewFrame) {
	frame := Frame{
		VenueID:    venueID,
		Timestamp:  f.Timestamp,
		Width:      f.Width,
		Height:     f.Height,
		Format:     f.Format,
		Data:       f.Data,
		ReceivedAt: time.Now(),
	}

	var mirror bool
	s.mu.Lock()
	s.latest[venueID] = frame
	if s.client != nil {
		if last, ok := s.lastUpload[venueID]; !ok || time.Since(last) >= s.minInterval {
			s.lastUpload[venueID] = time.Now()
			mirror = true
		}
	}
	s.mu.Unlock()

	if !mirror || s.stopped.Load() {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		s.log.Debug().Str("venue", venueID).Msg("frame not valid base64, mirror skipped")
		return
	}
	select {
	case s.ch <- uploadJob{venueID: venueID, data: raw, format: f.Format}:
	default:
		s.log.Warn().Str("venue", venueID).Msg("frame upload queue full, skipping (frame kept in memory)")
	}
}

// Latest returns the newest frame for a venue.
func (s *Store) Latest(venueID string) (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.latest[venueID]
	return f, ok
}

// Forget drops a venue's frame (venue deleted).
func (s *Store) Forget(venueID string) {
	s.mu.Lock()
	delete(s.latest, venueID)
	if s.lastUpload != nil {
		delete(s.lastUpload, venueID)
	}
	s.mu.Unlock()
}

func (s *Store) worker() {
	for job := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		key := s.objectKey(job.venueID, job.format)
		contentType := "image/jpeg"
		if job.format == "png" {
			contentType = "image/png"
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &s.bucket,
			Key:         &key,
			Body:        bytes.NewReader(job.data),
			ContentType: &contentType,
		})
		if err != nil {
			s.log.Error().Err(err).Str("venue", job.venueID).Msg("frame mirror upload failed (frame kept in memory)")
		}
		cancel()
	}
}

func (s *Store) objectKey(venueID, format string) string {
	if format == "" {
		format = "jpeg"
	}
	if s.prefix != "" {
		return fmt.Sprintf("%s/%s/latest.%s", s.prefix, venueID, format)
	}
	return fmt.Sprintf("%s/latest.%s", venueID, format)
}
