package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MinIOStorage hosts item photos in a MinIO (S3-compatible) bucket
type MinIOStorage struct {
	client         *minio.Client
	bucketName     string
	publicEndpoint string
	useSSL         bool
}

// NewMinIOStorage creates a new MinIO storage client
func NewMinIOStorage(endpoint, publicEndpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinIOStorage, error) {
	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	if publicEndpoint == "" {
		publicEndpoint = endpoint
	}
	publicEndpoint = strings.TrimSuffix(strings.TrimSpace(publicEndpoint), "/")

	s := &MinIOStorage{
		client:         minioClient,
		bucketName:     bucketName,
		publicEndpoint: publicEndpoint,
		useSSL:         useSSL,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Warn().Err(err).Str("bucket", bucketName).Msg("Failed to check bucket existence (will continue)")
	} else if !exists {
		if err := minioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			log.Error().Err(err).Str("bucket", bucketName).Msg("Failed to create bucket")
		} else {
			log.Info().Str("bucket", bucketName).Msg("Bucket created")

			// Item photos are linked from public listings
			policy := fmt.Sprintf(`{"Version": "2012-10-17","Statement": [{"Action": ["s3:GetObject"],"Effect": "Allow","Principal": {"AWS": ["*"]},"Resource": ["arn:aws:s3:::%s/*"],"Sid": ""}]}`, bucketName)
			if err := minioClient.SetBucketPolicy(ctx, bucketName, policy); err != nil {
				log.Error().Err(err).Msg("Failed to set bucket policy")
			}
		}
	}

	log.Info().
		Str("endpoint", endpoint).
		Str("public_endpoint", publicEndpoint).
		Str("bucket", bucketName).
		Msg("MinIO storage initialized")

	return s, nil
}

// UploadImage stores an encoded image and returns its public URL
func (s *MinIOStorage) UploadImage(ctx context.Context, data []byte, contentType string) (string, error) {
	ext := ".jpg"
	if contentType == "image/png" {
		ext = ".png"
	}
	key := fmt.Sprintf("items/%s/%s%s", time.Now().UTC().Format("2006-01-02"), uuid.New().String(), ext)

	_, err := s.client.PutObject(
		ctx,
		s.bucketName,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}

	publicURL := s.ImageURL(key)
	log.Info().
		Str("key", key).
		Str("url", publicURL).
		Int("size", len(data)).
		Msg("Image uploaded")

	return publicURL, nil
}

// DeleteImage removes an image previously returned by UploadImage.
// URLs hosted elsewhere are ignored.
func (s *MinIOStorage) DeleteImage(ctx context.Context, imageURL string) error {
	key, ok := s.KeyFromURL(imageURL)
	if !ok {
		return nil
	}

	if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}

	log.Info().Str("key", key).Msg("Image deleted")
	return nil
}

// ImageURL returns the public URL for an object key
func (s *MinIOStorage) ImageURL(key string) string {
	if strings.Contains(s.publicEndpoint, "://") {
		return fmt.Sprintf("%s/%s/%s", s.publicEndpoint, s.bucketName, key)
	}
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.publicEndpoint, s.bucketName, key)
}

// KeyFromURL extracts the object key when imageURL points into this bucket
func (s *MinIOStorage) KeyFromURL(imageURL string) (string, bool) {
	prefix := s.ImageURL("")
	if !strings.HasPrefix(imageURL, prefix) {
		return "", false
	}
	u, err := url.Parse(imageURL)
	if err != nil {
		return "", false
	}
	key := strings.TrimPrefix(strings.TrimPrefix(u.Path, "/"), s.bucketName+"/")
	if key == "" {
		return "", false
	}
	return key, true
}

// HealthCheck verifies the MinIO connection
func (s *MinIOStorage) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("MinIO health check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket '%s' does not exist", s.bucketName)
	}
	return nil
}
