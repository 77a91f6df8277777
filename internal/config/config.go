package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Fallback blob store drivers.
const (
	DriverS3    = "s3"
	DriverMinio = "minio"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr         string
		MaxMemory    int64
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
	}
	Database struct {
		Path string
	}
	Backend struct {
		BaseURL string
		Timeout time.Duration
	}
	Upload struct {
		Workers      int
		MaxFileSize  int64
		AllowedTypes []string
		BatchMax     int
		DisplayGrace time.Duration
	}
	Fallback struct {
		Driver        string
		Bucket        string
		Category      string
		PublicBaseURL string
		URLExpiry     time.Duration
		Region        string
		Endpoint      string
		Profile       string
		Minio         struct {
			Endpoint  string
			AccessKey string
			SecretKey string
			UseSSL    bool
		}
	}
	Auth struct {
		JWTSecret    string
		Issuer       string
		TokenTTL     time.Duration
		Subject      string
		AdminKeyHash string
	}
	NATS struct {
		URL     string
		Subject string
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
// Variables use the FEEDMEDIA_ prefix, e.g. FEEDMEDIA_BACKEND_BASEURL.
func Load() (Config, error) {
	// a missing .env is fine; real environment variables win over it
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("FEEDMEDIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Fallback.Driver = strings.ToLower(strings.TrimSpace(cfg.Fallback.Driver))
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.maxmemory", 32<<20)
	v.SetDefault("server.readtimeout", "30s")
	v.SetDefault("server.writetimeout", "0s")
	v.SetDefault("database.path", "data/feed-media.db")
	v.SetDefault("backend.baseurl", "")
	v.SetDefault("backend.timeout", "0s")
	v.SetDefault("upload.workers", 1)
	v.SetDefault("upload.maxfilesize", 5*1024*1024)
	v.SetDefault("upload.allowedtypes", []string{"image/"})
	v.SetDefault("upload.batchmax", 10)
	v.SetDefault("upload.displaygrace", "2s")
	v.SetDefault("fallback.driver", DriverS3)
	v.SetDefault("fallback.bucket", "")
	v.SetDefault("fallback.category", "posts")
	v.SetDefault("fallback.publicbaseurl", "")
	v.SetDefault("fallback.urlexpiry", "168h")
	v.SetDefault("fallback.region", "us-east-1")
	v.SetDefault("fallback.endpoint", "")
	v.SetDefault("fallback.profile", "")
	v.SetDefault("fallback.minio.endpoint", "")
	v.SetDefault("fallback.minio.accesskey", "")
	v.SetDefault("fallback.minio.secretkey", "")
	v.SetDefault("fallback.minio.usessl", true)
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.issuer", "feed-media")
	v.SetDefault("auth.tokenttl", "15m")
	v.SetDefault("auth.subject", "")
	v.SetDefault("auth.adminkeyhash", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "uploads.completed")
	v.SetDefault("log.level", "info")
}

// Validate reports the settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		errs = append(errs, errors.New("backend.baseurl is required"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwtsecret is required"))
	}
	if strings.TrimSpace(c.Fallback.Bucket) == "" {
		errs = append(errs, errors.New("fallback.bucket is required"))
	}
	switch c.Fallback.Driver {
	case DriverS3:
	case DriverMinio:
		if c.Fallback.Minio.Endpoint == "" {
			errs = append(errs, errors.New("fallback.minio.endpoint is required for the minio driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown fallback.driver %q", c.Fallback.Driver))
	}
	if c.Upload.Workers <= 0 {
		errs = append(errs, errors.New("upload.workers must be positive"))
	}
	if c.Upload.BatchMax <= 0 {
		errs = append(errs, errors.New("upload.batchmax must be positive"))
	}
	return errors.Join(errs...)
}
