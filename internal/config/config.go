// Package config loads the liquidator's settings from the environment.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/archon-research/liquidator/internal/adapters/outbound/ethereum"
	"github.com/archon-research/liquidator/internal/pkg/env"
	"github.com/archon-research/liquidator/internal/services/liquidator"
)

// SourceKind selects where unhealthy positions are read from.
type SourceKind string

const (
	SourceRedis SourceKind = "redis"
	SourceSQS   SourceKind = "sqs"
)

// Config is the complete runtime configuration.
type Config struct {
	// Chain
	RPCEndpoint       string
	GasPrice          *big.Int
	GasLimit          uint64
	SigningKey        *ecdsa.PrivateKey
	FiltererAddress   common.Address
	RouterAddress     common.Address
	ReceiveUnderlying bool
	MaxSlippageBps    int64
	SwapDeadline      time.Duration

	// Position source
	Source        SourceKind
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
	RedisBatch    int
	SQSQueueURL   string
	SQSMaxBatch   int

	// AWS
	AWSRegion   string
	AWSEndpoint string
	SNSTopicARN string
	S3Bucket    string
	S3Prefix    string

	// Storage
	DatabaseURL string

	// Loop
	IdleInterval           time.Duration
	Rounding               liquidator.RoundingMode
	SwapConcurrency        int
	CallTimeout            time.Duration
	MaxConsecutiveFailures int
	HealthTimeout          time.Duration

	// Operations
	HealthAddr   string
	OTLPEndpoint string
	Environment  string
	Version      string
}

// LoadDotEnv loads .env and then .env.local if present. Variables already
// set in the process environment win.
func LoadDotEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// Load reads .env files and then the environment.
func Load() (*Config, error) {
	LoadDotEnv()
	return FromEnv()
}

// FromEnv builds a Config from the process environment. Every missing or
// invalid value is reported, not just the first.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		RPCEndpoint:   p.required("RPC_ENDPOINT"),
		RedisAddr:     env.Get("REDIS_ADDR", ""),
		RedisPassword: env.Get("REDIS_PASSWORD", ""),
		RedisKey:      env.Get("REDIS_POSITIONS_KEY", "liquidator:unhealthy"),
		SQSQueueURL:   env.Get("AWS_SQS_QUEUE_URL", ""),
		AWSRegion:     env.Get("AWS_REGION", "us-east-1"),
		AWSEndpoint:   env.Get("AWS_ENDPOINT_URL", ""),
		SNSTopicARN:   env.Get("AWS_SNS_TOPIC_ARN", ""),
		S3Bucket:      env.Get("AWS_S3_BUCKET", ""),
		S3Prefix:      env.Get("AWS_S3_PREFIX", "liquidations"),
		DatabaseURL:   env.Get("DATABASE_URL", ""),
		HealthAddr:    env.Get("HEALTH_ADDR", ":8080"),
		OTLPEndpoint:  env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Environment:   env.Get("ENVIRONMENT", "development"),
		Version:       env.Get("SERVICE_VERSION", "dev"),
	}

	if raw := p.required("GAS_PRICE"); raw != "" {
		price, err := ethereum.ParseGasPrice(raw)
		p.check("GAS_PRICE", err)
		cfg.GasPrice = price
	}
	if raw := p.required("SEED"); raw != "" {
		key, err := ethereum.ParsePrivateKey(raw)
		p.check("SEED", err)
		cfg.SigningKey = key
	}
	cfg.FiltererAddress = p.address("LIQUIDATION_FILTERER_CONTRACT")
	cfg.RouterAddress = p.address("SWAP_ROUTER_CONTRACT")

	gasLimit := p.getInt("GAS_LIMIT", 0)
	if gasLimit < 0 {
		p.fail(fmt.Errorf("GAS_LIMIT: must not be negative"))
	}
	cfg.GasLimit = uint64(max(gasLimit, 0))
	cfg.ReceiveUnderlying = p.getBool("RECEIVE_UNDERLYING", false)
	cfg.MaxSlippageBps = int64(p.getInt("MAX_SLIPPAGE_BPS", 100))
	cfg.SwapDeadline = p.getDuration("SWAP_DEADLINE", 5*time.Minute)

	cfg.RedisDB = p.getInt("REDIS_DB", 0)
	cfg.RedisBatch = p.getInt("REDIS_BATCH_SIZE", 100)
	cfg.SQSMaxBatch = p.getInt("SQS_MAX_MESSAGES", 10)
	cfg.Source = p.source(cfg)

	cfg.IdleInterval = p.getDuration("IDLE_INTERVAL", 200*time.Millisecond)
	rounding, err := liquidator.ParseRoundingMode(env.Get("ROUNDING_MODE", ""))
	p.check("ROUNDING_MODE", err)
	cfg.Rounding = rounding
	cfg.SwapConcurrency = p.getInt("SWAP_CONCURRENCY", 4)
	cfg.CallTimeout = p.getDuration("CALL_TIMEOUT", 2*time.Minute)
	cfg.MaxConsecutiveFailures = p.getInt("MAX_CONSECUTIVE_FAILURES", 10)
	cfg.HealthTimeout = p.getDuration("HEALTH_TIMEOUT", 5*time.Minute)

	if cfg.MaxSlippageBps < 0 || cfg.MaxSlippageBps >= 10_000 {
		p.fail(fmt.Errorf("MAX_SLIPPAGE_BPS: must be in [0, 10000), got %d", cfg.MaxSlippageBps))
	}
	if cfg.SwapConcurrency < 1 {
		p.fail(fmt.Errorf("SWAP_CONCURRENCY: must be at least 1, got %d", cfg.SwapConcurrency))
	}
	if cfg.IdleInterval < liquidator.MinIdleInterval {
		p.fail(fmt.Errorf("IDLE_INTERVAL: must be at least %v, got %v", liquidator.MinIdleInterval, cfg.IdleInterval))
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parser accumulates errors so every problem is reported at once.
type parser struct {
	errs []error
}

func (p *parser) fail(err error) {
	p.errs = append(p.errs, err)
}

func (p *parser) check(key string, err error) {
	if err != nil {
		p.fail(fmt.Errorf("%s: %w", key, err))
	}
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func (p *parser) required(key string) string {
	v := env.Get(key, "")
	if v == "" {
		p.fail(fmt.Errorf("%s is required", key))
	}
	return v
}

func (p *parser) address(key string) common.Address {
	raw := p.required(key)
	if raw == "" {
		return common.Address{}
	}
	if !common.IsHexAddress(raw) {
		p.fail(fmt.Errorf("%s: %q is not a hex address", key, raw))
		return common.Address{}
	}
	return common.HexToAddress(raw)
}

func (p *parser) getInt(key string, def int) int {
	v, err := env.GetInt(key, def)
	if err != nil {
		p.fail(err)
	}
	return v
}

func (p *parser) getBool(key string, def bool) bool {
	v, err := env.GetBool(key, def)
	if err != nil {
		p.fail(err)
	}
	return v
}

func (p *parser) getDuration(key string, def time.Duration) time.Duration {
	v, err := env.GetDuration(key, def)
	if err != nil {
		p.fail(err)
	}
	return v
}

// source honours POSITION_SOURCE and otherwise picks whichever of Redis or
// SQS is configured, preferring Redis.
func (p *parser) source(cfg *Config) SourceKind {
	switch kind := SourceKind(strings.ToLower(env.Get("POSITION_SOURCE", ""))); kind {
	case SourceRedis:
		if cfg.RedisAddr == "" {
			p.fail(fmt.Errorf("REDIS_ADDR is required when POSITION_SOURCE=redis"))
		}
		return kind
	case SourceSQS:
		if cfg.SQSQueueURL == "" {
			p.fail(fmt.Errorf("AWS_SQS_QUEUE_URL is required when POSITION_SOURCE=sqs"))
		}
		return kind
	case "":
	default:
		p.fail(fmt.Errorf("POSITION_SOURCE: unknown source %q", kind))
		return ""
	}

	switch {
	case cfg.RedisAddr != "":
		return SourceRedis
	case cfg.SQSQueueURL != "":
		return SourceSQS
	default:
		p.fail(fmt.Errorf("REDIS_ADDR or AWS_SQS_QUEUE_URL is required"))
		return ""
	}
}
