package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
// The values are read by Viper from a config file or environment variables.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
	S3       S3Config       `mapstructure:"s3"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	URI  string `mapstructure:"uri"`
	Name string `mapstructure:"name"`
}

// UploadsConfig describes where raw images and generated thumbnails live on
// disk and how large an upload may be. The directories are passed explicitly
// into the pipeline at construction so tests can run several pipelines with
// different storage roots side by side.
type UploadsConfig struct {
	RawDir        string `mapstructure:"raw_dir"`
	ThumbnailsDir string `mapstructure:"thumbnails_dir"`
	MaxFileSize   int64  `mapstructure:"max_file_size"`
}

// S3Config configures the optional S3-compatible mirror for originals and
// thumbnails. When BucketName is empty the mirror is disabled and images
// stay on the local filesystem only.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// Enabled reports whether the S3 mirror should be initialized at all.
func (c S3Config) Enabled() bool {
	return c.BucketName != ""
}

// ClientConfig is read by the scanctl CLI rather than the server.
type ClientConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	QueuePath      string        `mapstructure:"queue_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// LoadConfig reads server configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	// Nested keys map to env vars e.g. uploads.raw_dir -> UPLOADS_RAW_DIR
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`))

	v.SetDefault("server.address", ":3000")
	v.SetDefault("database.uri", "mongodb://localhost:27017")
	v.SetDefault("database.name", "eli_test_scanner")
	v.SetDefault("uploads.raw_dir", "uploads/raw")
	v.SetDefault("uploads.thumbnails_dir", "uploads/thumbnails")
	v.SetDefault("uploads.max_file_size", 10<<20) // 10 MiB
	v.SetDefault("s3.use_ssl", true)

	err = v.ReadInConfig()
	// A missing config file is fine; defaults and env vars carry the load.
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		err = nil
	} else if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	return
}

// LoadClientConfig reads the scanctl configuration the same way the server
// loads its own, from a scanctl.yaml in the given path.
func LoadClientConfig(path string) (config ClientConfig, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("scanctl")
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`))

	v.SetDefault("base_url", "http://localhost:3000")
	v.SetDefault("queue_path", "scanctl-queue.db")
	v.SetDefault("request_timeout", "15s")
	v.SetDefault("poll_interval", "30s")

	err = v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		err = nil
	} else if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	return
}
