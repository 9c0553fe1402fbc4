package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/NicoHurtado/p2c/internal/logger"
	"github.com/NicoHurtado/p2c/internal/utils"
)

// BucketService stores generated audio files and hands out their public URLs.
type BucketService interface {
	UploadFile(ctx context.Context, key, contentType string, file io.Reader) error
	DeleteFile(ctx context.Context, key string) error
	GetPublicURL(key string) string
	Enabled() bool
}

type bucketService struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucketName    string
	cdnDomain     string
}

// NewBucketService degrades like the other optional providers: no bucket
// configured means uploads are refused but the process still starts.
func NewBucketService(log *logger.Logger) BucketService {
	serviceLog := log.With("service", "BucketService")

	bucket := strings.TrimSpace(utils.GetEnv("GCS_BUCKET_NAME", "", nil))
	if bucket == "" {
		serviceLog.Warn("GCS_BUCKET_NAME not set, audio storage disabled")
		return &bucketService{log: serviceLog}
	}
	cdnDomain := utils.GetEnv("CDN_DOMAIN", "", nil)

	ctx := context.Background()
	saPath := utils.GetEnv("GOOGLE_APPLICATION_CREDENTIALS", "", nil)

	var stClient *storage.Client
	var err error
	if saPath != "" {
		stClient, err = storage.NewClient(ctx, option.WithCredentialsFile(saPath), option.WithScopes(storage.ScopeReadWrite))
	} else {
		stClient, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadWrite))
	}
	if err != nil {
		serviceLog.Warn("Storage client init failed, audio storage disabled", "error", err)
		return &bucketService{log: serviceLog}
	}

	return &bucketService{
		log:           serviceLog,
		storageClient: stClient,
		bucketName:    bucket,
		cdnDomain:     cdnDomain,
	}
}

func (bs *bucketService) Enabled() bool { return bs.storageClient != nil }

func (bs *bucketService) UploadFile(ctx context.Context, key, contentType string, file io.Reader) error {
	if bs.storageClient == nil {
		return fmt.Errorf("audio storage disabled: missing GCS_BUCKET_NAME")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	w := bs.storageClient.Bucket(bs.bucketName).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, file); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (bs *bucketService) DeleteFile(ctx context.Context, key string) error {
	if bs.storageClient == nil {
		return fmt.Errorf("audio storage disabled: missing GCS_BUCKET_NAME")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := bs.storageClient.Bucket(bs.bucketName).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete GCS object %q: %w", key, err)
	}
	return nil
}

func (bs *bucketService) GetPublicURL(key string) string {
	if bs.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", bs.cdnDomain, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bs.bucketName, key)
}
