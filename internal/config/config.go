// Package config loads the recorder fleet configuration from a YAML file,
// environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"camvault/internal/segment"
)

const (
	DefaultSegmentDuration = 60 * time.Second
	DefaultBucketPrefix    = "camera-"
	DefaultStatusAddr      = ":9108"
)

type Config struct {
	DataDir  string         `yaml:"data_dir"`
	Streams  []StreamConfig `yaml:"streams"`
	Storage  StorageConfig  `yaml:"storage"`
	Upload   UploadConfig   `yaml:"upload"`
	Detector DetectorConfig `yaml:"detector"`
	Media    MediaConfig    `yaml:"media"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Events   EventsConfig   `yaml:"events"`
	Status   StatusConfig   `yaml:"status"`
	Log      LogConfig      `yaml:"log"`
}

// StreamConfig describes one camera feed.
type StreamConfig struct {
	ID              string        `yaml:"id"`
	Port            int           `yaml:"port"`
	Input           string        `yaml:"input"`
	SegmentDuration time.Duration `yaml:"segment_duration"`
	// Dir defaults to <data_dir>/<id>.
	Dir string `yaml:"dir"`
}

type StorageConfig struct {
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Region       string `yaml:"region"`
	UseSSL       bool   `yaml:"use_ssl"`
	BucketPrefix string `yaml:"bucket_prefix"`
}

type UploadConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// MaxConcurrent bounds transfers across every stream. Zero means one
	// transfer per stream.
	MaxConcurrent int64 `yaml:"max_concurrent"`
}

type DetectorConfig struct {
	// Grace is how long a segment may stay quiet before it is treated as
	// complete. Zero derives it from each stream's segment duration.
	Grace         time.Duration `yaml:"grace"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type MediaConfig struct {
	Binary      string        `yaml:"binary"`
	InputArgs   []string      `yaml:"input_args"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

type LedgerConfig struct {
	// Driver is file, postgres or memory.
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	PostgresDSN     string        `yaml:"postgres_dsn"`
	MaxConnections  int32         `yaml:"max_connections"`
	MinConnections  int32         `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
}

type EventsConfig struct {
	// Driver is log, redis or none.
	Driver  string      `yaml:"driver"`
	History int         `yaml:"history"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr       string         `yaml:"addr"`
	Addrs      []string       `yaml:"addrs"`
	Username   string         `yaml:"username"`
	Password   string         `yaml:"password"`
	MasterName string         `yaml:"master_name"`
	Stream     string         `yaml:"stream"`
	MaxLen     int64          `yaml:"max_len"`
	PoolSize   int            `yaml:"pool_size"`

	// Buffer is how many outcome events may wait for the broker before new
	// ones are dropped.
	Buffer int            `yaml:"buffer"`
	TLS    RedisTLSConfig `yaml:"tls"`
}

type RedisTLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type StatusConfig struct {
	// Addr is empty to disable the status endpoint.
	Addr    string `yaml:"addr"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the local development setup: four cameras on UDP ports
// 5000 to 5003 uploading to a MinIO instance on localhost.
func Default() Config {
	cfg := Config{
		DataDir: filepath.Join(os.TempDir(), "camvault"),
		Storage: StorageConfig{
			Endpoint:     "localhost:9000",
			AccessKey:    "minioadmin",
			SecretKey:    "minioadmin123",
			BucketPrefix: DefaultBucketPrefix,
		},
		Upload: UploadConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			AttemptTimeout: 5 * time.Minute,
		},
		Detector: DetectorConfig{CheckInterval: time.Second},
		Media:    MediaConfig{Binary: "ffmpeg", StopTimeout: 10 * time.Second},
		Ledger:   LedgerConfig{Driver: "file"},
		Events:   EventsConfig{Driver: "log", History: 200},
		Status:   StatusConfig{Addr: DefaultStatusAddr},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
	for i := 0; i < 4; i++ {
		cfg.Streams = append(cfg.Streams, StreamConfig{
			ID:   fmt.Sprintf("camera%d", i+1),
			Port: 5000 + i,
		})
	}
	return cfg
}

// Load builds the configuration from defaults, the optional YAML file at path
// and the environment, in that order, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given files without overriding the
// ones already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overrides file settings with environment variables.
func (c *Config) ApplyEnv() error {
	c.DataDir = firstNonEmpty(os.Getenv("CAMVAULT_DATA_DIR"), c.DataDir)

	c.Storage.Endpoint = firstNonEmpty(os.Getenv("MINIO_ENDPOINT"), c.Storage.Endpoint)
	c.Storage.AccessKey = firstNonEmpty(os.Getenv("MINIO_ACCESS_KEY"), c.Storage.AccessKey)
	c.Storage.SecretKey = firstNonEmpty(os.Getenv("MINIO_SECRET_KEY"), c.Storage.SecretKey)
	c.Storage.Region = firstNonEmpty(os.Getenv("MINIO_REGION"), c.Storage.Region)
	c.Storage.BucketPrefix = firstNonEmpty(os.Getenv("CAMVAULT_BUCKET_PREFIX"), c.Storage.BucketPrefix)

	c.Ledger.Driver = firstNonEmpty(os.Getenv("CAMVAULT_LEDGER_DRIVER"), c.Ledger.Driver)
	c.Ledger.Path = firstNonEmpty(os.Getenv("CAMVAULT_LEDGER_PATH"), c.Ledger.Path)
	c.Ledger.PostgresDSN = firstNonEmpty(os.Getenv("CAMVAULT_POSTGRES_DSN"), c.Ledger.PostgresDSN)

	c.Events.Driver = firstNonEmpty(os.Getenv("CAMVAULT_EVENTS_DRIVER"), c.Events.Driver)
	c.Events.Redis.Addr = firstNonEmpty(os.Getenv("CAMVAULT_REDIS_ADDR"), c.Events.Redis.Addr)
	if addrs := splitAndTrim(os.Getenv("CAMVAULT_REDIS_ADDRS")); len(addrs) > 0 {
		c.Events.Redis.Addrs = addrs
	}
	c.Events.Redis.Username = firstNonEmpty(os.Getenv("CAMVAULT_REDIS_USERNAME"), c.Events.Redis.Username)
	c.Events.Redis.Password = firstNonEmpty(os.Getenv("CAMVAULT_REDIS_PASSWORD"), c.Events.Redis.Password)
	c.Events.Redis.Stream = firstNonEmpty(os.Getenv("CAMVAULT_REDIS_STREAM"), c.Events.Redis.Stream)

	c.Status.Addr = firstNonEmpty(os.Getenv("CAMVAULT_STATUS_ADDR"), c.Status.Addr)
	c.Status.TLSCert = firstNonEmpty(os.Getenv("CAMVAULT_TLS_CERT"), c.Status.TLSCert)
	c.Status.TLSKey = firstNonEmpty(os.Getenv("CAMVAULT_TLS_KEY"), c.Status.TLSKey)

	c.Log.Level = firstNonEmpty(os.Getenv("CAMVAULT_LOG_LEVEL"), c.Log.Level)
	c.Log.Format = firstNonEmpty(os.Getenv("CAMVAULT_LOG_FORMAT"), c.Log.Format)
	c.Media.Binary = firstNonEmpty(os.Getenv("CAMVAULT_FFMPEG_BINARY"), c.Media.Binary)

	var err error
	if c.Storage.UseSSL, err = envBool("MINIO_USE_SSL", c.Storage.UseSSL); err != nil {
		return err
	}
	if c.Upload.MaxAttempts, err = envInt("CAMVAULT_UPLOAD_MAX_ATTEMPTS", c.Upload.MaxAttempts); err != nil {
		return err
	}
	maxConcurrent, err := envInt("CAMVAULT_UPLOAD_MAX_CONCURRENT", int(c.Upload.MaxConcurrent))
	if err != nil {
		return err
	}
	c.Upload.MaxConcurrent = int64(maxConcurrent)
	if c.Detector.Grace, err = envDuration("CAMVAULT_DETECTOR_GRACE", c.Detector.Grace); err != nil {
		return err
	}
	if value := strings.TrimSpace(os.Getenv("CAMVAULT_SEGMENT_DURATION")); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse CAMVAULT_SEGMENT_DURATION: %w", err)
		}
		for i := range c.Streams {
			c.Streams[i].SegmentDuration = d
		}
	}
	return nil
}

func (c *Config) fillDefaults() {
	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	if c.Ledger.Driver == "file" && c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.DataDir, "ledger")
	}
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.SegmentDuration == 0 {
			s.SegmentDuration = DefaultSegmentDuration
		}
		if s.Input == "" && s.Port > 0 {
			s.Input = fmt.Sprintf("udp://0.0.0.0:%d", s.Port)
		}
		if s.Dir == "" {
			s.Dir = filepath.Join(c.DataDir, s.ID)
		}
	}
}

// Validate reports the first problem that would keep the fleet from running.
func (c Config) Validate() error {
	if len(c.Streams) == 0 {
		return errors.New("at least one stream must be configured")
	}
	ids := make(map[string]struct{}, len(c.Streams))
	ports := make(map[int]string, len(c.Streams))
	for _, s := range c.Streams {
		if err := segment.ValidateStreamID(s.ID); err != nil {
			return err
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("duplicate stream id %q", s.ID)
		}
		ids[s.ID] = struct{}{}
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("stream %s: port %d out of range", s.ID, s.Port)
		}
		if s.Port > 0 {
			if other, dup := ports[s.Port]; dup {
				return fmt.Errorf("streams %s and %s share port %d", other, s.ID, s.Port)
			}
			ports[s.Port] = s.ID
		}
		if strings.TrimSpace(s.Input) == "" {
			return fmt.Errorf("stream %s: input or port is required", s.ID)
		}
		if s.SegmentDuration <= 0 {
			return fmt.Errorf("stream %s: segment duration must be positive", s.ID)
		}
		// The segment muxer only cuts on whole seconds.
		if s.SegmentDuration < time.Second || s.SegmentDuration%time.Second != 0 {
			return fmt.Errorf("stream %s: segment duration %s must be a whole number of seconds", s.ID, s.SegmentDuration)
		}
		if c.Detector.Grace > 0 && c.Detector.Grace <= s.SegmentDuration {
			return fmt.Errorf("stream %s: detector grace %s must exceed segment duration %s", s.ID, c.Detector.Grace, s.SegmentDuration)
		}
	}
	if c.Detector.Grace < 0 || c.Detector.CheckInterval < 0 {
		return errors.New("detector intervals cannot be negative")
	}
	if strings.TrimSpace(c.Storage.Endpoint) == "" {
		return errors.New("object storage endpoint is required")
	}
	if c.Upload.MaxAttempts <= 0 {
		return errors.New("upload max attempts must be positive")
	}
	if c.Upload.InitialBackoff < 0 || c.Upload.MaxBackoff < 0 || c.Upload.AttemptTimeout < 0 {
		return errors.New("upload durations cannot be negative")
	}
	if c.Upload.MaxConcurrent < 0 {
		return errors.New("upload max concurrent cannot be negative")
	}
	switch c.Ledger.Driver {
	case "file":
		if c.Ledger.Path == "" {
			return errors.New("file ledger requires a path")
		}
	case "postgres":
		if strings.TrimSpace(c.Ledger.PostgresDSN) == "" {
			return errors.New("postgres ledger requires a DSN")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported ledger driver %q", c.Ledger.Driver)
	}
	switch c.Events.Driver {
	case "log", "none", "":
	case "redis":
		if c.Events.Redis.Addr == "" && len(c.Events.Redis.Addrs) == 0 {
			return errors.New("redis events require an address")
		}
	default:
		return fmt.Errorf("unsupported events driver %q", c.Events.Driver)
	}
	if (c.Status.TLSCert == "") != (c.Status.TLSKey == "") {
		return errors.New("status TLS requires both a certificate and a key")
	}
	return nil
}

// Stream returns the stream with the given id.
func (c Config) Stream(id string) (StreamConfig, bool) {
	for _, s := range c.Streams {
		if s.ID == id {
			return s, true
		}
	}
	return StreamConfig{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func envBool(key string, fallback bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}
