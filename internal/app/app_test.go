package app

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-media/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "aws-config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "aws-credentials"))
	t.Setenv("AWS_PROFILE", "")

	var cfg config.Config
	cfg.Database.Path = filepath.Join(dir, "ledger.db")
	cfg.Backend.BaseURL = "http://127.0.0.1:1/"
	cfg.Upload.Workers = 2
	cfg.Fallback.Driver = config.DriverS3
	cfg.Fallback.Bucket = "media"
	cfg.Fallback.Region = "us-east-1"
	cfg.Fallback.Category = "posts"
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNewLogger(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, NewLogger("debug").GetLevel())
	assert.Equal(t, logrus.InfoLevel, NewLogger("loud").GetLevel())
}

func TestBuildWithS3Driver(t *testing.T) {
	reg := prometheus.NewRegistry()
	eng, err := Build(context.Background(), testConfig(t), quietLogger(), reg)
	require.NoError(t, err)
	defer eng.Close()

	assert.NotNil(t, eng.Manager)
	assert.NotNil(t, eng.Uploads)
	assert.Empty(t, eng.Manager.Tasks(""))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	records, err := eng.Uploads.ListOrphans(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestBuildRejectsMissingBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.BaseURL = ""
	_, err := Build(context.Background(), cfg, quietLogger(), nil)
	assert.ErrorContains(t, err, "backend")
}

func TestBuildStorageUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fallback.Driver = "gcs"
	_, err := BuildStorage(context.Background(), cfg, quietLogger())
	assert.ErrorContains(t, err, "unknown fallback driver")
}
