package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/andresmejia3/emoscan/internal/pipeline"
	"github.com/andresmejia3/emoscan/internal/types"
)

// S3Config selects the bucket that receives result documents.
type S3Config struct {
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	SSEEncryption string `yaml:"sse_encryption"`
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// S3Sink uploads the document to <prefix>/<run id>.json.
type S3Sink struct {
	cfg      S3Config
	uploader s3manageriface.UploaderAPI
}

var _ pipeline.ResultSink = (*S3Sink)(nil)

// NewS3Sink builds an uploader from cfg. Static keys are optional; the
// default AWS credential chain is used otherwise.
func NewS3Sink(cfg S3Config) (*S3Sink, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return NewS3SinkWithUploader(cfg, s3manager.NewUploader(sess)), nil
}

// NewS3SinkWithUploader uses an existing uploader.
func NewS3SinkWithUploader(cfg S3Config, uploader s3manageriface.UploaderAPI) *S3Sink {
	return &S3Sink{cfg: cfg, uploader: uploader}
}

// Key is the object key of a run's document.
func (s *S3Sink) Key(run *types.RunResult) string {
	return path.Join(s.cfg.Prefix, run.ID+".json")
}

// Persist implements pipeline.ResultSink.
func (s *S3Sink) Persist(ctx context.Context, run *types.RunResult) error {
	doc, err := Encode(run)
	if err != nil {
		return err
	}
	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.Key(run)),
		ContentType: aws.String("application/json"),
		Body:        bytes.NewReader(doc),
	}
	if s.cfg.SSEEncryption != "" {
		input.ServerSideEncryption = aws.String(s.cfg.SSEEncryption)
	}
	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", s.Key(run), err)
	}
	return nil
}
