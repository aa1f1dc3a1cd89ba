// Copyright 2025 The Opsforge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage resolves artifact paths to download URLs across local and
// S3-compatible backends.
//
// Path forms and their resolution:
//   - http:// and https:// URLs pass through unchanged.
//   - s3://bucket/key and minio://bucket/key presign with AWS SigV4.
//   - anything else resolves against the local backend.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/opsforge/opsforge/internal/apperror"
	"github.com/opsforge/opsforge/internal/config"
)

// Service generates download URLs for build artifacts.
type Service struct {
	cfg    config.StorageConfig
	logger *slog.Logger

	// presign is swappable for tests
	presign presigner
}

type presigner interface {
	PresignGetObject(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// New creates a storage service from configuration.
func New(cfg config.StorageConfig, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, logger: logger}
}

// PresignedURL resolves an artifact path to a download URL.
//
// For S3 paths without configured credentials the service returns a
// placeholder URL {base}/{bucket}/{key}?expires={ts} and logs a warning
// rather than failing, provided placeholder mode is allowed.
func (s *Service) PresignedURL(ctx context.Context, artifactPath string, artifactID uuid.UUID) (string, error) {
	if strings.HasPrefix(artifactPath, "http://") || strings.HasPrefix(artifactPath, "https://") {
		return artifactPath, nil
	}

	if strings.HasPrefix(artifactPath, "s3://") || strings.HasPrefix(artifactPath, "minio://") {
		return s.presignS3(ctx, artifactPath)
	}

	return fmt.Sprintf("/api/v1/artifacts/%s/download", artifactID), nil
}

func splitObjectPath(artifactPath string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(artifactPath, "s3://")
	rest = strings.TrimPrefix(rest, "minio://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", apperror.Validationf("invalid object path %q", artifactPath)
	}
	return bucket, key, nil
}

func (s *Service) presignS3(ctx context.Context, artifactPath string) (string, error) {
	bucket, key, err := splitObjectPath(artifactPath)
	if err != nil {
		return "", err
	}

	ttl := time.Duration(s.cfg.S3PresignTTLSecs) * time.Second

	if !s.hasCredentials() {
		if !s.cfg.S3AllowPlaceholder {
			return "", apperror.Unavailable("s3", fmt.Errorf("credentials not configured"))
		}
		s.logger.Warn("s3 credentials not configured, returning placeholder url",
			"bucket", bucket)
		return s.placeholderURL(bucket, key, ttl), nil
	}

	client, err := s.presignClient(ctx)
	if err != nil {
		return "", err
	}

	url, err := client.PresignGetObject(ctx, bucket, key, ttl)
	if err != nil {
		return "", fmt.Errorf("presigning s3 object %s/%s: %w", bucket, key, err)
	}
	return url, nil
}

func (s *Service) hasCredentials() bool {
	if s.cfg.S3AccessKey != "" && s.cfg.S3SecretKey != "" {
		return true
	}
	return os.Getenv("AWS_ACCESS_KEY_ID") != "" && os.Getenv("AWS_SECRET_ACCESS_KEY") != ""
}

func (s *Service) placeholderURL(bucket, key string, ttl time.Duration) string {
	base := s.cfg.S3Endpoint
	if base == "" {
		if s.cfg.S3Region != "" {
			base = fmt.Sprintf("https://s3.%s.amazonaws.com", s.cfg.S3Region)
		} else {
			base = "https://s3.amazonaws.com"
		}
	}
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s/%s/%s?expires=%d", base, bucket, key, expires)
}

func (s *Service) presignClient(ctx context.Context) (presigner, error) {
	if s.presign != nil {
		return s.presign, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.cfg.S3Region),
	}
	if s.cfg.S3AccessKey != "" && s.cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				s.cfg.S3AccessKey.Expose(), s.cfg.S3SecretKey.Expose(), ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if s.cfg.S3Endpoint != "" {
		endpoint := s.cfg.S3Endpoint
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			// MinIO and friends want path-style addressing
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)
	return &sdkPresigner{client: s3.NewPresignClient(client)}, nil
}

type sdkPresigner struct {
	client *s3.PresignClient
}

func (p *sdkPresigner) PresignGetObject(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// ResolvePath maps an artifact path to its storage location. Object paths
// and absolute paths pass through; relative names resolve against the local
// base path.
func (s *Service) ResolvePath(artifactPath string) string {
	if strings.HasPrefix(artifactPath, "s3://") || strings.HasPrefix(artifactPath, "minio://") {
		return artifactPath
	}
	if filepath.IsAbs(artifactPath) {
		return artifactPath
	}
	return filepath.Join(s.cfg.LocalBasePath, artifactPath)
}

// HealthCheck reports backend availability. Local checks the base directory;
// S3 without credentials is assumed healthy since nothing can be probed.
func (s *Service) HealthCheck(ctx context.Context) bool {
	switch strings.ToLower(s.cfg.Type) {
	case "s3":
		return true
	default:
		info, err := os.Stat(s.cfg.LocalBasePath)
		return err == nil && info.IsDir()
	}
}

// Type returns the configured backend type.
func (s *Service) Type() string {
	return s.cfg.Type
}
