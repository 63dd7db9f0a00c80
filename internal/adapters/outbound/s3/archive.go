// Package s3 archives batch reports to AWS S3.
package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// putObjectAPI is the subset of S3 operations used by the Archive.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Compile-time check that Archive implements outbound.ReportArchive
var _ outbound.ReportArchive = (*Archive)(nil)

// Config holds archive configuration.
type Config struct {
	Bucket string
	// Prefix is prepended to every key. Defaults to "liquidations".
	Prefix string
}

// Archive writes one gzipped JSON object per batch report. Objects are
// write-once: a report that was already archived is left untouched.
type Archive struct {
	client putObjectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

// NewArchive creates an archive using an S3 client built from cfg.
func NewArchive(cfg aws.Config, archiveConfig Config, logger *slog.Logger, optFns ...func(*s3.Options)) (*Archive, error) {
	return newArchive(s3.NewFromConfig(cfg, optFns...), archiveConfig, logger)
}

func newArchive(client putObjectAPI, cfg Config, logger *slog.Logger) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "liquidations"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.With("component", "s3-archive"),
	}, nil
}

// Key returns the object key of report: prefix/YYYY/MM/DD/<id>.json.gz,
// dated by when the batch started.
func (a *Archive) Key(report *entity.BatchReport) string {
	day := report.StartedAt.UTC().Format("2006/01/02")
	return path.Join(a.prefix, day, report.ID.String()+".json.gz")
}

// Archive uploads report.
func (a *Archive) Archive(ctx context.Context, report *entity.BatchReport) error {
	body, err := gzipJSON(report)
	if err != nil {
		return err
	}

	key := a.Key(report)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
		IfNoneMatch:     aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "PreconditionFailed" || apiErr.ErrorCode() == "412") {
			a.logger.Debug("report already archived", "key", key)
			return nil
		}
		return fmt.Errorf("failed to archive report %s: %w", report.ID, err)
	}

	a.logger.Debug("archived report", "bucket", a.bucket, "key", key, "bytes", len(body))
	return nil
}

func gzipJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
