// Package archive uploads periodic JSON snapshots of the game state to an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atmx/fxsim/internal/metrics"
	"github.com/atmx/fxsim/internal/model"
)

// ClientConfig holds the connection settings for the bucket.
type ClientConfig struct {
	Endpoint       string // empty for AWS S3
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool
}

// Putter is the slice of the S3 API the archiver needs.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Source supplies the document to archive.
type Source interface {
	Document(ctx context.Context) (*model.Document, error)
}

// NewS3Client builds an S3 client with static credentials and an optional
// custom endpoint for MinIO, R2 and similar providers.
func NewS3Client(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint, cfg.UseSSL)
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, opts...), nil
}

func normaliseEndpoint(endpoint string, useSSL bool) string {
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// Archiver writes snapshots under prefix/YYYY/MM/DD/<unix-nanos>.json.
type Archiver struct {
	client Putter
	bucket string
	prefix string
	src    Source
	logger *slog.Logger
}

// NewArchiver creates an archiver.
func NewArchiver(client Putter, bucket, prefix string, src Source, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "snapshots"
	}
	return &Archiver{client: client, bucket: bucket, prefix: prefix, src: src, logger: logger}
}

// Key returns the object key for a snapshot taken at ts.
func (a *Archiver) Key(ts time.Time) string {
	ts = ts.UTC()
	return path.Join(a.prefix, ts.Format("2006/01/02"), fmt.Sprintf("%d.json", ts.UnixNano()))
}

// Snapshot uploads the current document once and returns its key.
func (a *Archiver) Snapshot(ctx context.Context, now time.Time) (string, error) {
	doc, err := a.src.Document(ctx)
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("archive: read state: %w", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("archive: encode state: %w", err)
	}

	key := a.Key(now)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("archive: put object %s: %w", key, err)
	}
	metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
	return key, nil
}

// Run takes a snapshot every interval until ctx is done. Failures are
// logged and retried on the next interval.
func (a *Archiver) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	a.logger.Info("archiver started", "bucket", a.bucket, "prefix", a.prefix, "every", every.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			key, err := a.Snapshot(ctx, t)
			if err != nil {
				a.logger.Error("snapshot failed", "err", err)
				continue
			}
			a.logger.Debug("snapshot archived", "key", key)
		}
	}
}
