// Package coldstore optionally exports each ProcessingSummary and its
// matching cost rollup to an S3-compatible bucket, grounded on the
// teacher's R2BackupService (internal/reliability/r2_backup_service.go):
// a config-gated, best-effort archival path that the rest of the system
// never blocks on. Where the teacher ships a bespoke R2 client, this uses
// the AWS SDK's own S3 manager directly against an S3-compatible endpoint.
package coldstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/urbangrid/gridcore/internal/domain"
)

// Exporter uploads processing summaries and cost rollups as JSON objects.
// A nil *Exporter (or one built with an empty bucket) is a deliberate no-op,
// matching the teacher's "only wired if R2 is configured" pattern.
type Exporter struct {
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// Config holds the S3-compatible endpoint settings, all optional; Bucket
// empty disables the exporter entirely.
type Config struct {
	Bucket          string
	Endpoint        string // optional S3-compatible endpoint (e.g. R2); empty uses AWS defaults
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// New builds an Exporter, or returns (nil, nil) when cfg.Bucket is empty —
// the caller treats a nil Exporter as "cold storage disabled".
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Exporter, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Exporter{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		log:      log.With().Str("component", "coldstore").Logger(),
	}, nil
}

// ExportSummary uploads a ProcessingSummary paired with its cost rollup as
// one JSON object, keyed by city and timestamp. Failures are logged, never
// propagated — cold storage is an optional archival path, not part of the
// processing critical path (spec §7's degrade-don't-fail rule applied to
// an ambient concern beyond what spec.md names).
func (e *Exporter) ExportSummary(ctx context.Context, summary domain.ProcessingSummary, cost domain.CostSummary) {
	if e == nil {
		return
	}

	body, err := json.Marshal(struct {
		Summary domain.ProcessingSummary `json:"summary"`
		Cost    domain.CostSummary       `json:"cost"`
	}{summary, cost})
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to marshal export payload")
		return
	}

	key := fmt.Sprintf("processing/%s/%s.json", summary.CityID, summary.Timestamp.UTC().Format(time.RFC3339))
	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := e.uploader.Upload(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("cold storage export failed")
		return
	}
	e.log.Debug().Str("key", key).Msg("exported processing summary to cold storage")
}
