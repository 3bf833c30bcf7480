package artifact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"genflow/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Sink archives generated images: it downloads a completed item's result URL
// and stores the original plus a thumbnail through a local or S3 uploader.
type Sink struct {
	cfg        config.Config
	httpClient *http.Client
	local      uploader
	s3         uploader
	log        zerolog.Logger
}

// NewSink constructs the sink and chooses an uploader (local or S3).
func NewSink(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Sink, error) {
	timeout := cfg.ArtifactDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ArtifactDir
	if baseDir == "" {
		baseDir = "./artifacts"
	}

	var s3Upload uploader
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}
	}

	return &Sink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
		log:        log.With().Str("component", "artifact").Logger(),
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
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
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// Store downloads the result URL and writes the original image and a
// thumbnail under <jobID>/<itemID>.
func (s *Sink) Store(ctx context.Context, jobID, itemID, resultURL string) error {
	data, contentType, err := s.download(ctx, resultURL)
	if err != nil {
		return err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	up := s.pickUploader()
	ext := extensionFor(format, contentType)
	baseKey := sanitizeKey(filepath.Join(jobID, itemID))

	if _, err := up.Upload(ctx, baseKey+"."+ext, data, contentType); err != nil {
		return fmt.Errorf("upload original: %w", err)
	}

	width := s.cfg.ArtifactThumbWidth
	if width == 0 {
		width = 320
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if _, err := up.Upload(ctx, baseKey+"_thumb.jpg", buf.Bytes(), "image/jpeg"); err != nil {
		return fmt.Errorf("upload thumbnail: %w", err)
	}

	s.log.Debug().Str("job_id", jobID).Str("item_id", itemID).Str("key", baseKey).Msg("artifact stored")
	return nil
}

func (s *Sink) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}

	limit := s.cfg.ArtifactMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("artifact too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (s *Sink) pickUploader() uploader {
	if s.s3 != nil {
		return s.s3
	}
	return s.local
}

func extensionFor(decodeFormat, contentType string) string {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return "png"
	case "gif":
		return "gif"
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return "png"
	}
	return "jpg"
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
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
