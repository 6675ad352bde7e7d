package minio

import (
	"context"

	"agent-provisioner/pkg/config"
	"agent-provisioner/pkg/errutil"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("minio.client", fx.Provide(New))

// New connects to the package bucket. It returns a nil client when no
// endpoint is configured.
func New(c *config.Config) (*minio.Client, error) {
	if c.Minio.Endpoint == "" {
		zap.L().Info("[Minio] endpoint not configured, object package source disabled")
		return nil, nil
	}

	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		return nil, errutil.BadRequest("minio client config invalid", err)
	}

	exists, err := client.BucketExists(context.Background(), c.Minio.BucketName)
	if err != nil {
		zap.L().Warn("[Minio] bucket check failed", zap.String("endpoint", c.Minio.Endpoint), zap.String("bucket", c.Minio.BucketName), zap.Error(err))
	} else if !exists {
		zap.L().Warn("[Minio] bucket does not exist", zap.String("bucket", c.Minio.BucketName))
	}

	zap.L().Info("[Minio] client initialized", zap.String("endpoint", c.Minio.Endpoint), zap.Bool("bucket_exists", exists))
	return client, nil
}
