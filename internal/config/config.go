package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Installer InstallerConfig
	Storage   StorageConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	InstallPerHour int
}

// InstallerConfig drives the addon installation subsystem.
type InstallerConfig struct {
	// AddonsDir is the root of the versioned addon tree
	// (addons/<name>/<version>/).
	AddonsDir string
	// DependencyPackagesDir and InstallersDir receive generic package
	// downloads.
	DependencyPackagesDir string
	InstallersDir         string
	// HTTPTimeoutSeconds bounds a whole package download.
	HTTPTimeoutSeconds int
	// UnpackWorkers bounds how many archive extractions may run at once.
	UnpackWorkers int
	// MaxUploadMB caps addon zip uploads.
	MaxUploadMB int
}

// StorageConfig configures the optional S3-compatible archive vault.
type StorageConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

func Load() (*Config, error) {
	readSecret("STORAGE_SECRET_ACCESS_KEY")
	readSecret("JWT_SECRET")
	readSecret("REDIS_PASSWORD")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Defaults
	viper.SetDefault("server.port", "5000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("ratelimit.install_per_hour", 30)
	viper.SetDefault("installer.addons_dir", "/storage/addons")
	viper.SetDefault("installer.dependency_packages_dir", "/storage/desktop/dependency_packages")
	viper.SetDefault("installer.installers_dir", "/storage/desktop/installers")
	viper.SetDefault("installer.http_timeout_seconds", 120)
	viper.SetDefault("installer.unpack_workers", 2)
	viper.SetDefault("installer.max_upload_mb", 512)
	viper.SetDefault("storage.region", "auto")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			InstallPerHour: viper.GetInt("ratelimit.install_per_hour"),
		},
		Installer: InstallerConfig{
			AddonsDir:             viper.GetString("installer.addons_dir"),
			DependencyPackagesDir: viper.GetString("installer.dependency_packages_dir"),
			InstallersDir:         viper.GetString("installer.installers_dir"),
			HTTPTimeoutSeconds:    viper.GetInt("installer.http_timeout_seconds"),
			UnpackWorkers:         viper.GetInt("installer.unpack_workers"),
			MaxUploadMB:           viper.GetInt("installer.max_upload_mb"),
		},
		Storage: StorageConfig{
			Endpoint:        viper.GetString("storage.endpoint"),
			Region:          viper.GetString("storage.region"),
			Bucket:          viper.GetString("storage.bucket"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
		},
	}

	return cfg, nil
}
