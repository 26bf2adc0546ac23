package events

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"camvault/internal/observability/logging"
)

const (
	defaultStream    = "camvault:outcomes"
	defaultMaxLen    = 10000
	defaultPublishTO = 2 * time.Second
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis Streams publisher.
type RedisConfig struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	Stream     string

	// MaxLen caps the stream length with approximate trimming.
	MaxLen       int64
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// PublishTimeout bounds each XADD. Wrap the publisher in Async to keep a
	// slow broker off the upload path.
	PublishTimeout time.Duration
	PoolSize       int
	TLS            RedisTLSConfig
	Logger         *slog.Logger
}

// RedisPublisher appends events to a Redis stream with XADD.
type RedisPublisher struct {
	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisPublisher connects to Redis. The connection is verified lazily on
// the first publish.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultStream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = defaultMaxLen
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTO
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &RedisPublisher{
		client:  client,
		stream:  stream,
		maxLen:  cfg.MaxLen,
		timeout: cfg.PublishTimeout,
		logger:  logging.WithComponent(logging.OrDefault(cfg.Logger), "events"),
	}, nil
}

// Stream returns the destination stream name.
func (p *RedisPublisher) Stream() string {
	return p.stream
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	_, err = p.client.Do(ctx,
		"XADD", p.stream,
		"MAXLEN", "~", strconv.FormatInt(p.maxLen, 10),
		"*",
		"type", string(event.Type),
		"payload", string(payload),
	).Result()
	if err != nil {
		p.logger.Warn("publish outcome failed", "stream", p.stream, "type", event.Type, "error", err)
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
