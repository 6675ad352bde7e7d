package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"agent-provisioner/pkg/config"
	"agent-provisioner/pkg/errutil"

	"github.com/minio/minio-go/v7"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ObjectFetcher downloads an object into a local file.
type ObjectFetcher interface {
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
}

// Package is where the agent archive comes from: a local file pushed to the
// host, or a URL the host downloads itself.
type Package struct {
	LocalPath string
	URL       string
}

type PackageSource struct {
	objects ObjectFetcher
	bucket  string
	group   singleflight.Group
}

type SourceParams struct {
	fx.In
	Config  *config.Config
	Objects *minio.Client `optional:"true"`
}

func NewPackageSource(p SourceParams) *PackageSource {
	s := &PackageSource{bucket: p.Config.Minio.BucketName}
	if p.Objects != nil {
		s.objects = p.Objects
	}
	return s
}

var errNoPackage = errutil.BadRequest("agent package not configured: set AGENT.LOCAL_PACKAGE, AGENT.PACKAGE_OBJECT or AGENT.PACKAGE_URL", nil)

// Resolve picks the package for one execution. Object downloads are cached in
// CacheDir and shared by concurrent callers.
func (s *PackageSource) Resolve(ctx context.Context, agent config.Agent) (Package, error) {
	if agent.LocalPackage != "" {
		if _, err := os.Stat(agent.LocalPackage); err != nil {
			return Package{}, errutil.BadRequest(fmt.Sprintf("local agent package not found: %s", agent.LocalPackage), err)
		}
		return Package{LocalPath: agent.LocalPackage}, nil
	}

	if agent.PackageObject != "" {
		if s.objects == nil {
			zap.L().Warn("[Pipeline] package object configured without an object store", zap.String("object", agent.PackageObject))
		} else {
			local, err := s.fetch(ctx, agent)
			if err != nil {
				return Package{}, err
			}
			return Package{LocalPath: local}, nil
		}
	}

	if agent.PackageURL != "" {
		return Package{URL: agent.PackageURL}, nil
	}
	return Package{}, errNoPackage
}

func (s *PackageSource) fetch(ctx context.Context, agent config.Agent) (string, error) {
	cacheDir := agent.CacheDir
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	local := filepath.Join(cacheDir, filepath.Base(agent.PackageObject))

	v, err, _ := s.group.Do(local, func() (any, error) {
		if info, err := os.Stat(local); err == nil && info.Size() > 0 {
			return local, nil
		}
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return "", errutil.Internal("package cache dir not writable", err)
		}
		if err := s.objects.FGetObject(ctx, s.bucket, agent.PackageObject, local, minio.GetObjectOptions{}); err != nil {
			return "", errutil.BadGateway(fmt.Sprintf("fetch of package object %s failed", agent.PackageObject), err)
		}
		zap.L().Info("[Pipeline] package object cached", zap.String("object", agent.PackageObject), zap.String("path", local))
		return local, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
