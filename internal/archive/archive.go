package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"reliable-ops/internal/config"
	"reliable-ops/internal/models"
)

// Uploader stores a serialized snapshot under a key.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// DeadLetterSource lists the unresolved dead letters to snapshot.
type DeadLetterSource interface {
	ListDeadLetters(ctx context.Context, unresolvedOnly bool, limit int) ([]models.DeadLetter, error)
}

// Archiver periodically writes a JSON snapshot of unresolved dead letters
// for compliance retention. Snapshots go to S3 when a bucket is configured,
// otherwise to the local filesystem.
type Archiver struct {
	source   DeadLetterSource
	uploader Uploader
	interval time.Duration
}

// New constructs the archiver and chooses an uploader (local or S3).
func New(ctx context.Context, cfg config.Config, source DeadLetterSource) (*Archiver, error) {
	var up Uploader = &localUploader{baseDir: cfg.ArchiveDir}
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}
	}
	return &Archiver{
		source:   source,
		uploader: up,
		interval: cfg.ArchiveInterval,
	}, nil
}

// NewWithUploader wires an explicit uploader. Used by tests.
func NewWithUploader(source DeadLetterSource, up Uploader, interval time.Duration) *Archiver {
	return &Archiver{source: source, uploader: up, interval: interval}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Run snapshots on a fixed interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if loc, n, err := a.SnapshotOnce(ctx); err != nil {
				log.Printf("dead-letter snapshot: %v", err)
			} else if n > 0 {
				log.Printf("archived %d dead letter(s) to %s", n, loc)
			}
		}
	}
}

type snapshot struct {
	TakenAt     time.Time           `json:"taken_at"`
	Count       int                 `json:"count"`
	DeadLetters []models.DeadLetter `json:"dead_letters"`
}

// SnapshotOnce writes one snapshot of unresolved dead letters and returns
// its location and how many records it holds. An empty queue writes nothing.
func (a *Archiver) SnapshotOnce(ctx context.Context) (string, int, error) {
	dls, err := a.source.ListDeadLetters(ctx, true, 1000)
	if err != nil {
		return "", 0, fmt.Errorf("list dead letters: %w", err)
	}
	if len(dls) == 0 {
		return "", 0, nil
	}

	now := time.Now().UTC()
	body, err := json.MarshalIndent(snapshot{TakenAt: now, Count: len(dls), DeadLetters: dls}, "", "  ")
	if err != nil {
		return "", 0, fmt.Errorf("encode snapshot: %w", err)
	}

	key := fmt.Sprintf("dead-letters/%s.json", now.Format("2006-01-02T15-04-05Z"))
	loc, err := a.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return "", 0, fmt.Errorf("upload snapshot: %w", err)
	}
	return loc, len(dls), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
