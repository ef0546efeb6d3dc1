package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Recorder archives call recordings before delivery: it fetches the
// artifact from the provider URL and uploads it to a bucket, so the
// delivered attachment outlives the provider's retention window.
type Recorder struct {
	httpClient *http.Client
	uploader   uploader
	maxBytes   int64
}

// Config tunes the archiver.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Timeout  time.Duration
	MaxMB    int
}

// New builds a recorder backed by S3. Returns nil when no bucket is
// configured; callers treat a nil recorder as "deliver the provider URL".
func New(ctx context.Context, cfg Config) (*Recorder, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := int64(cfg.MaxMB) * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}

	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		httpClient: &http.Client{Timeout: timeout},
		uploader:   &s3Uploader{client: client, bucket: cfg.Bucket},
		maxBytes:   maxBytes,
	}, nil
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
					SigningRegion:     cfg.Region,
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
		o.UsePathStyle = cfg.Endpoint != ""
	}), nil
}

// Archive fetches the recording and stores it under a per-call key,
// returning the archived location.
func (r *Recorder) Archive(ctx context.Context, callID, recordingURL string) (string, error) {
	body, contentType, err := r.fetch(ctx, recordingURL)
	if err != nil {
		return "", err
	}
	key := recordingKey(callID, recordingURL)
	location, err := r.uploader.Upload(ctx, key, body, contentType)
	if err != nil {
		return "", fmt.Errorf("archive recording: %w", err)
	}
	return location, nil
}

func (r *Recorder) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("fetch recording: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, r.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read recording: %w", err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, "", fmt.Errorf("recording too large (>%d bytes)", r.maxBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return body, contentType, nil
}

func recordingKey(callID, recordingURL string) string {
	ext := strings.ToLower(path.Ext(recordingURL))
	switch ext {
	case ".mp3", ".wav", ".ogg", ".m4a":
	default:
		ext = ".mp3"
	}
	return fmt.Sprintf("recordings/%s/%s%s", time.Now().UTC().Format("2006-01-02"), callID, ext)
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
