package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alienxp03/soulsync/internal/core"
)

// ObjectPutter is the subset of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveStore loads report context and records archive locations.
type ArchiveStore interface {
	GetSessionState(id string) (*core.SessionState, error)
	SetReportArchiveURL(id, url string) error
}

// S3Options configures the S3 client. An empty Endpoint means AWS.
type S3Options struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client. Static credentials are used when given;
// otherwise the default AWS credential chain applies.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Archiver uploads a PDF of every new match report to a bucket.
type Archiver struct {
	store  ArchiveStore
	client ObjectPutter
	bucket string
	prefix string
}

// NewArchiver creates a report archiver.
func NewArchiver(store ArchiveStore, client ObjectPutter, bucket, prefix string) *Archiver {
	return &Archiver{store: store, client: client, bucket: bucket, prefix: prefix}
}

// ReportCreated archives the report. Failures are logged; the report itself
// is already stored.
func (a *Archiver) ReportCreated(ctx context.Context, report *core.MatchReport) {
	url, err := a.Archive(ctx, report)
	if err != nil {
		slog.Error("Failed to archive report", "report_id", report.ID, "error", err)
		return
	}
	slog.Info("Report archived", "report_id", report.ID, "url", url)
}

// Archive renders the report as PDF, uploads it and records its location.
func (a *Archiver) Archive(ctx context.Context, report *core.MatchReport) (string, error) {
	state, err := a.store.GetSessionState(report.SessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}

	doc := &Document{Report: report, Session: state}
	exporter := &PDFExporter{}
	var buf bytes.Buffer
	if err := exporter.Export(doc, &buf); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}

	key := strings.TrimSuffix(a.prefix, "/")
	if key != "" {
		key += "/"
	}
	key += core.ShortID(report.ID) + "_" + GenerateFilename(doc, exporter.FileExtension())

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(exporter.ContentType()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report: %w", err)
	}

	url := fmt.Sprintf("s3://%s/%s", a.bucket, key)
	if err := a.store.SetReportArchiveURL(report.ID, url); err != nil {
		return "", err
	}
	report.ArchiveURL = url
	return url, nil
}
