package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dontdude/codeduel/internal/config"
	"github.com/dontdude/codeduel/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// FixtureSource returns a host directory holding the test files for a
// challenge, mounted read-only into the sandbox.
type FixtureSource interface {
	Resolve(ctx context.Context, challengeRef string) (string, error)
}

// NewFixtureSource picks the source named by cfg.FixtureSource.
func NewFixtureSource(cfg config.SandboxConfig) (FixtureSource, error) {
	switch cfg.FixtureSource {
	case "", "dir":
		return NewDirFixtures(cfg.FixtureDir)
	case "minio":
		return NewMinioFixtures(cfg.MinIO, filepath.Join(cfg.CodeDir, "fixtures"))
	default:
		return nil, fmt.Errorf("unknown fixture source %q", cfg.FixtureSource)
	}
}

// DirFixtures serves every challenge from one local directory; the test
// runner selects the file matching the challenge.
type DirFixtures struct {
	dir string
}

func NewDirFixtures(dir string) (*DirFixtures, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve fixture dir: %w", err)
	}
	return &DirFixtures{dir: abs}, nil
}

func (d *DirFixtures) Resolve(_ context.Context, challengeRef string) (string, error) {
	if err := checkRef(challengeRef); err != nil {
		return "", err
	}
	return d.dir, nil
}

// MinioFixtures downloads <prefix><challengeRef>.test.js from a bucket into a
// per-challenge cache directory.
type MinioFixtures struct {
	client   *minio.Client
	bucket   string
	prefix   string
	cacheDir string
}

func NewMinioFixtures(cfg config.MinIOConfig, cacheDir string) (*MinioFixtures, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioFixtures{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, cacheDir: cacheDir}, nil
}

func (m *MinioFixtures) Resolve(ctx context.Context, challengeRef string) (string, error) {
	if err := checkRef(challengeRef); err != nil {
		return "", err
	}

	dir := filepath.Join(m.cacheDir, challengeRef)
	name := challengeRef + ".test.js"
	local := filepath.Join(dir, name)
	if _, err := os.Stat(local); err == nil {
		return dir, nil
	}

	if err := m.client.FGetObject(ctx, m.bucket, m.prefix+name, local, minio.GetObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", domain.ErrFixtureNotFound
		}
		return "", fmt.Errorf("%w: fetch fixture %s: %v", domain.ErrEnvironment, name, err)
	}
	return dir, nil
}

// checkRef keeps a challenge ref from escaping the fixture directory.
func checkRef(ref string) error {
	if ref == "" || ref == "." || ref == ".." || strings.ContainsAny(ref, `/\`) {
		return domain.ErrFixtureNotFound
	}
	return nil
}
