// Package archive exports generated resources as Markdown to S3 or a local directory.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"resource-pipeline/internal/config"
	"resource-pipeline/internal/models"
)

// Uploader stores one object and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver renders and uploads resource exports.
type Archiver struct {
	uploader Uploader
}

// New picks S3 when a bucket is configured, else the local directory.
// It returns nil when neither is set.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	switch {
	case cfg.S3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{uploader: &s3Uploader{client: client, bucket: cfg.S3Bucket}}, nil
	case cfg.LocalDir != "":
		return &Archiver{uploader: &localUploader{baseDir: cfg.LocalDir}}, nil
	default:
		return nil, nil
	}
}

// NewWithUploader wraps an existing Uploader.
func NewWithUploader(u Uploader) *Archiver {
	return &Archiver{uploader: u}
}

func newS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Key is the object key for a resource version.
func Key(res models.GeneratedResource) string {
	return sanitizeKey(fmt.Sprintf("%s/%s/v%d.md", res.UserID, res.ResourceID, res.GenerationVersion))
}

// Export uploads a Markdown rendering of res and returns the stored location.
func (a *Archiver) Export(ctx context.Context, res models.GeneratedResource, title string) (string, error) {
	body := Render(res, title)
	loc, err := a.uploader.Upload(ctx, Key(res), body, "text/markdown; charset=utf-8")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return loc, nil
}

// Render produces the Markdown export.
func Render(res models.GeneratedResource, title string) []byte {
	if title == "" {
		title = res.ResourceID
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "_Version %d, personalization level %d, model %s_\n\n", res.GenerationVersion, res.PersonalizationLevel, res.ModelUsed)
	writeSections(&b, "Strategy", res.StrategicContent)
	writeSections(&b, "Implementation", res.ImplementationContent)
	return b.Bytes()
}

func writeSections(b *bytes.Buffer, heading string, sections []models.Section) {
	if len(sections) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", heading)
	for _, s := range sections {
		fmt.Fprintf(b, "### %s\n\n", s.PromptID)
		if s.Format == "structured" {
			fmt.Fprintf(b, "```json\n%s\n```\n\n", strings.TrimSpace(string(s.Content)))
			continue
		}
		fmt.Fprintf(b, "%s\n\n", strings.TrimSpace(s.Text))
	}
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
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
