package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archive offloads adapter output too large to keep inline on the
// execution row. Put returns a reference stored in the output bag.
type Archive interface {
	Put(ctx context.Context, executionID string, data []byte) (string, error)
	Get(ctx context.Context, reference string) ([]byte, error)
}

// S3Archive stores output in S3-compatible object storage.
type S3Archive struct {
	client     *s3.Client
	bucket     string
	prefix     string
	localCache string
}

// S3ArchiveConfig holds S3 configuration.
type S3ArchiveConfig struct {
	Bucket          string
	Prefix          string // e.g., "outputs/executions/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
	LocalCacheDir   string // Local cache for recently archived output
}

// NewS3Archive creates an S3-backed output archive.
func NewS3Archive(cfg S3ArchiveConfig) (*S3Archive, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	if cfg.LocalCacheDir != "" {
		if err := os.MkdirAll(cfg.LocalCacheDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return &S3Archive{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		localCache: cfg.LocalCacheDir,
	}, nil
}

// Put uploads execution output and returns its s3:// reference.
func (a *S3Archive) Put(ctx context.Context, executionID string, data []byte) (string, error) {
	key := a.buildKey(executionID)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload output to S3: %w", err)
	}

	if a.localCache != "" {
		cachePath := filepath.Join(a.localCache, executionID+".out")
		_ = os.WriteFile(cachePath, data, 0644)
	}

	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// Get fetches archived output, preferring the local cache.
func (a *S3Archive) Get(ctx context.Context, reference string) ([]byte, error) {
	key := a.extractKey(reference)

	if a.localCache != "" {
		cachePath := filepath.Join(a.localCache, filepath.Base(key))
		if data, err := os.ReadFile(cachePath); err == nil {
			return data, nil
		}
	}

	output, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get output from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}

	if a.localCache != "" {
		cachePath := filepath.Join(a.localCache, filepath.Base(key))
		_ = os.WriteFile(cachePath, data, 0644)
	}

	return data, nil
}

func (a *S3Archive) buildKey(executionID string) string {
	timestamp := time.Now().Format("2006/01/02")
	return fmt.Sprintf("%s%s/%s.out", a.prefix, timestamp, executionID)
}

func (a *S3Archive) extractKey(reference string) string {
	// Handle s3://bucket/key format
	if len(reference) > 5 && reference[:5] == "s3://" {
		parts := reference[5:]
		for i, c := range parts {
			if c == '/' {
				return parts[i+1:]
			}
		}
	}
	return reference
}

// LocalArchive stores output on the local filesystem (development or
// single-node deployments).
type LocalArchive struct {
	basePath string
}

// NewLocalArchive creates a filesystem-backed output archive.
func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalArchive{basePath: basePath}, nil
}

func (l *LocalArchive) Put(ctx context.Context, executionID string, data []byte) (string, error) {
	path := filepath.Join(l.basePath, executionID+".out")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	return path, nil
}

func (l *LocalArchive) Get(ctx context.Context, reference string) ([]byte, error) {
	return os.ReadFile(reference)
}
