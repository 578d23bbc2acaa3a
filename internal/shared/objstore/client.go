// Package objstore 封装 MinIO 对象存储客户端
//
// 用于归档设备备份：每次部署步骤生成的 /tmp/uci-backup-<operationID>.tar.gz
// 从设备拉回后按 <deviceID>/<operationID>.tar.gz 存入 bucket。
package objstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"uci-fleet/internal/config"
)

// Client MinIO 客户端封装
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient 创建 MinIO 客户端
func NewClient(cfg config.MinIOConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "uci-fleet-backups"
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

// EnsureBucket 确保 bucket 存在
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		slog.Info("created bucket", "component", "objstore", "bucket", c.bucket)
	}
	return nil
}

// BackupKey 备份对象 key
func BackupKey(deviceID, operationID string) string {
	return path.Join("backups", deviceID, operationID+".tar.gz")
}

// ArchiveBackup 归档一份设备备份，返回对象 key
func (c *Client) ArchiveBackup(ctx context.Context, deviceID, operationID string, r io.Reader, size int64) (string, error) {
	key := BackupKey(deviceID, operationID)
	_, err := c.mc.PutObject(ctx, c.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/gzip",
		UserMetadata: map[string]string{
			"device-id":    deviceID,
			"operation-id": operationID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// FetchBackup 下载备份，调用方负责关闭返回的 ReadCloser
func (c *Client) FetchBackup(ctx context.Context, deviceID, operationID string) (io.ReadCloser, error) {
	key := BackupKey(deviceID, operationID)
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	// GetObject 不会立即返回错误
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, nil
}

// ListBackups 列出设备的全部备份 key
func (c *Client) ListBackups(ctx context.Context, deviceID string) ([]string, error) {
	var keys []string
	prefix := path.Join("backups", deviceID) + "/"
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Exists 检查备份是否存在
func (c *Client) Exists(ctx context.Context, deviceID, operationID string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, BackupKey(deviceID, operationID), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
