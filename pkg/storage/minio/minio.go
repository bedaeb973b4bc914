package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	cfg "github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
	"github.com/feichai0017/knowledge-inbox/pkg/storage"
)

var notificationEvents = []string{"s3:ObjectCreated:*"}

type MinioStorage struct {
	client     *minio.Client
	bucketName string
	logger     logger.Logger
}

func (m *MinioStorage) List(ctx context.Context, folder string) ([]storage.Handle, error) {
	prefix := strings.Trim(folder, "/")
	if prefix != "" {
		prefix += "/"
	}

	var handles []storage.Handle
	for obj := range m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			m.logger.Error("Error listing objects",
				logger.String("bucket", m.bucketName),
				logger.String("prefix", prefix),
				logger.Error(obj.Err),
			)
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		handles = append(handles, storage.Handle{
			Folder:  folder,
			Name:    path.Base(obj.Key),
			Key:     obj.Key,
			Size:    obj.Size,
			ModTime: obj.LastModified,
			ETag:    obj.ETag,
		})
	}
	return handles, nil
}

func (m *MinioStorage) Download(ctx context.Context, h storage.Handle) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucketName, h.Key, minio.GetObjectOptions{})
	if err != nil {
		m.logger.Error("Failed to get file from MinIO",
			logger.String("bucket", m.bucketName),
			logger.String("key", h.Key),
			logger.Error(err),
		)
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", h.Key, storage.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	return obj, nil
}

func (m *MinioStorage) Upload(ctx context.Context, folder, name string, data []byte) (storage.Handle, error) {
	key := storage.Key(folder, name)
	info, err := m.client.PutObject(ctx, m.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		m.logger.Error("Failed to store file to MinIO",
			logger.String("bucket", m.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return storage.Handle{}, fmt.Errorf("failed to store file: %w", err)
	}
	return storage.Handle{
		Folder:  folder,
		Name:    name,
		Key:     key,
		Size:    info.Size,
		ModTime: info.LastModified,
		ETag:    info.ETag,
	}, nil
}

func (m *MinioStorage) Delete(ctx context.Context, h storage.Handle) error {
	err := m.client.RemoveObject(ctx, m.bucketName, h.Key, minio.RemoveObjectOptions{})
	if err != nil {
		m.logger.Error("Failed to delete file from MinIO",
			logger.String("bucket", m.bucketName),
			logger.String("key", h.Key),
			logger.Error(err),
		)
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Subscribe listens for object creation under folder using MinIO bucket
// notifications. The stream is closed when ttl elapses.
func (m *MinioStorage) Subscribe(ctx context.Context, folder string, ttl time.Duration) (*storage.Subscription, error) {
	prefix := strings.Trim(folder, "/") + "/"
	expires := time.Now().Add(ttl)
	subCtx, cancel := context.WithDeadline(ctx, expires)

	infoCh := m.client.ListenBucketNotification(subCtx, m.bucketName, prefix, "", notificationEvents)
	events := make(chan storage.Event, 16)

	go func() {
		defer close(events)
		for info := range infoCh {
			if info.Err != nil {
				m.logger.Warn("Bucket notification error",
					logger.String("bucket", m.bucketName),
					logger.Error(info.Err),
				)
				continue
			}
			for _, rec := range info.Records {
				name := path.Base(rec.S3.Object.Key)
				if storage.IsHidden(name) {
					continue
				}
				select {
				case events <- storage.Event{Folder: folder, Name: name, Op: rec.EventName}:
				default:
				}
			}
		}
	}()

	return storage.NewSubscription(uuid.NewString(), folder, expires, events, cancel), nil
}

func NewMinioStorage(ctx context.Context, minioConfig cfg.MinioConfig, log logger.Logger) (*MinioStorage, error) {
	client, err := minio.New(minioConfig.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(minioConfig.AccessKey, minioConfig.SecretKey, ""),
		Secure: minioConfig.UseSSL,
		Region: minioConfig.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, minioConfig.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, minioConfig.BucketName, minio.MakeBucketOptions{
			Region: minioConfig.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioStorage{
		client:     client,
		bucketName: minioConfig.BucketName,
		logger:     log.Named("minio"),
	}, nil
}
