package flow

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed job store and broker.
type RedisConfig struct {
	Addr              string
	Addrs             []string
	Username          string
	Password          string
	Stream            string
	Group             string
	DelayedSet        string
	JobKeyPrefix      string
	Logger            *slog.Logger
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
	PoolSize          int
	MasterName        string
	TLS               RedisTLSConfig
}

// NewRedis initialises a job backend on Redis Streams. Job records live
// in hashes, ready jobs in a consumer-group stream, and delayed retries
// in a sorted set scored by their due time. The caller is responsible
// for ensuring the Redis instance is reachable.
func NewRedis(cfg RedisConfig) (*Redis, error) {
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
		stream = "reelforge:pipeline"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "pipeline-workers"
	}
	delayed := strings.TrimSpace(cfg.DelayedSet)
	if delayed == "" {
		delayed = stream + ":delayed"
	}
	prefix := strings.TrimSpace(cfg.JobKeyPrefix)
	if prefix == "" {
		prefix = "reelforge:job:"
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
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	backend := &Redis{
		client:            client,
		stream:            stream,
		group:             group,
		delayed:           delayed,
		prefix:            prefix,
		consumer:          randomConsumerID(),
		logger:            cfg.Logger,
		blockTimeout:      cfg.BlockTimeout,
		visibilityTimeout: cfg.VisibilityTimeout,
	}
	if backend.logger == nil {
		backend.logger = slog.Default()
	}
	if backend.blockTimeout <= 0 {
		backend.blockTimeout = 2 * time.Second
	}
	if backend.visibilityTimeout <= 0 {
		backend.visibilityTimeout = 30 * time.Second
	}
	if err := backend.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return backend, nil
}

// Redis implements Store and Broker on a shared Redis instance.
type Redis struct {
	client            redis.UniversalClient
	stream            string
	group             string
	delayed           string
	prefix            string
	consumer          string
	logger            *slog.Logger
	blockTimeout      time.Duration
	visibilityTimeout time.Duration

	groupMu    sync.Mutex
	groupReady atomic.Bool

	reclaimMu   sync.Mutex
	lastReclaim time.Time
}

func (r *Redis) jobKey(id string) string {
	return r.prefix + id
}

func (r *Redis) SaveJob(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	_, err = r.client.Do(ctx, "HSET", r.jobKey(job.ID),
		"id", job.ID,
		"name", job.Name,
		"payload", string(payload),
		"parent", job.ParentID,
		"pending", strconv.Itoa(job.Pending),
		"attempts", strconv.Itoa(job.Attempts),
		"max_attempts", strconv.Itoa(job.MaxAttempts),
		"state", job.State,
		"progress", strconv.Itoa(job.Progress),
		"reason", job.FailedReason,
		"created_at", job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at", now.Format(time.RFC3339Nano),
	).Result()
	return err
}

func (r *Redis) GetJob(ctx context.Context, id string) (Job, error) {
	reply, err := r.client.Do(ctx, "HGETALL", r.jobKey(id)).Result()
	if err != nil {
		if isNilReply(err) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, err
	}
	fields := parseFieldMap(reply)
	if len(fields) == 0 {
		return Job{}, ErrJobNotFound
	}
	job := Job{
		ID:           fields["id"],
		Name:         fields["name"],
		ParentID:     fields["parent"],
		State:        fields["state"],
		FailedReason: fields["reason"],
	}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return Job{}, fmt.Errorf("decode payload for %s: %w", id, err)
		}
	}
	job.Pending, _ = strconv.Atoi(fields["pending"])
	job.Progress, _ = strconv.Atoi(fields["progress"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ts := fields["created_at"]; ts != "" {
		job.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if ts := fields["updated_at"]; ts != "" {
		job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return job, nil
}

func (r *Redis) SetState(ctx context.Context, id, state, reason string) error {
	args := []interface{}{"HSET", r.jobKey(id),
		"state", state,
		"reason", reason,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	}
	if state == StateCompleted {
		args = append(args, "progress", "100")
	}
	_, err := r.client.Do(ctx, args...).Result()
	return err
}

func (r *Redis) IncrementAttempts(ctx context.Context, id string) (int, error) {
	reply, err := r.client.Do(ctx, "HINCRBY", r.jobKey(id), "attempts", 1).Result()
	if err != nil {
		return 0, err
	}
	return int(asInt64(reply)), nil
}

func (r *Redis) DecrementPending(ctx context.Context, id string) (int, error) {
	reply, err := r.client.Do(ctx, "HINCRBY", r.jobKey(id), "pending", -1).Result()
	if err != nil {
		return 0, err
	}
	return int(asInt64(reply)), nil
}

func (r *Redis) Enqueue(ctx context.Context, jobID string) error {
	if err := r.ensureGroup(ctx); err != nil {
		return err
	}
	_, err := r.client.Do(ctx, "XADD", r.stream, "*", "job", jobID).Result()
	return err
}

func (r *Redis) EnqueueAfter(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		return r.Enqueue(ctx, jobID)
	}
	due := time.Now().Add(delay).UnixMilli()
	_, err := r.client.Do(ctx, "ZADD", r.delayed, strconv.FormatInt(due, 10), jobID).Result()
	return err
}

// Dequeue promotes due retries, reclaims deliveries abandoned past the
// visibility timeout and then blocks on the consumer group for the next
// ready job.
func (r *Redis) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return nil, err
	}
	if err := r.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("promote delayed jobs failed", "error", err)
	}
	if delivery, err := r.reclaimAbandoned(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		r.logger.Warn("reclaim abandoned deliveries failed", "error", err)
	} else if delivery != nil {
		return delivery, nil
	}
	blockMs := int(math.Max(float64(r.blockTimeout.Milliseconds()), 1))
	reply, err := r.client.Do(
		ctx,
		"XREADGROUP",
		"GROUP",
		r.group,
		r.consumer,
		"COUNT",
		"1",
		"BLOCK",
		strconv.Itoa(blockMs),
		"STREAMS",
		r.stream,
		">",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := parseStreamReply(reply)
	if len(entries) == 0 {
		return nil, nil
	}
	return &Delivery{MessageID: entries[0].ID, JobID: entries[0].JobID}, nil
}

func (r *Redis) Ack(ctx context.Context, delivery *Delivery) error {
	if delivery == nil || delivery.MessageID == "" {
		return nil
	}
	_, err := r.client.Do(ctx, "XACK", r.stream, r.group, delivery.MessageID).Result()
	return err
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// promoteDue moves retries whose due time has passed from the delayed
// set back onto the stream.
func (r *Redis) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	reply, err := r.client.Do(ctx, "ZRANGEBYSCORE", r.delayed, "0", now, "LIMIT", "0", "32").Result()
	if err != nil {
		if isNilReply(err) {
			return nil
		}
		return err
	}
	members, ok := reply.([]interface{})
	if !ok {
		return nil
	}
	for _, member := range members {
		jobID, ok := asString(member)
		if !ok || jobID == "" {
			continue
		}
		removed, err := r.client.Do(ctx, "ZREM", r.delayed, jobID).Result()
		if err != nil {
			return err
		}
		// Another worker promoted it first.
		if asInt64(removed) == 0 {
			continue
		}
		if err := r.Enqueue(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

// reclaimAbandoned claims pending entries whose consumer stopped
// acknowledging, so a crashed worker's jobs are redelivered. Runs at
// most once per visibility timeout.
func (r *Redis) reclaimAbandoned(ctx context.Context) (*Delivery, error) {
	r.reclaimMu.Lock()
	if time.Since(r.lastReclaim) < r.visibilityTimeout {
		r.reclaimMu.Unlock()
		return nil, nil
	}
	r.lastReclaim = time.Now()
	r.reclaimMu.Unlock()

	minIdle := strconv.FormatInt(r.visibilityTimeout.Milliseconds(), 10)
	reply, err := r.client.Do(
		ctx,
		"XAUTOCLAIM",
		r.stream,
		r.group,
		r.consumer,
		minIdle,
		"0-0",
		"COUNT",
		"1",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	parts, ok := reply.([]interface{})
	if !ok || len(parts) < 2 {
		return nil, nil
	}
	entries := parseEntryList(parts[1])
	if len(entries) == 0 {
		return nil, nil
	}
	return &Delivery{MessageID: entries[0].ID, JobID: entries[0].JobID}, nil
}

func (r *Redis) ensureGroup(ctx context.Context) error {
	if r.groupReady.Load() {
		return nil
	}
	r.groupMu.Lock()
	defer r.groupMu.Unlock()
	if r.groupReady.Load() {
		return nil
	}
	_, err := r.client.Do(ctx, "XGROUP", "CREATE", r.stream, r.group, "$", "MKSTREAM").Result()
	if err != nil {
		if isBusyGroup(err) {
			r.groupReady.Store(true)
			return nil
		}
		return err
	}
	r.groupReady.Store(true)
	return nil
}

type streamEntry struct {
	ID    string
	JobID string
}

func parseStreamReply(reply interface{}) []streamEntry {
	streams, ok := reply.([]interface{})
	if !ok || len(streams) == 0 {
		return nil
	}
	var entries []streamEntry
	for _, stream := range streams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		entries = append(entries, parseEntryList(parts[1])...)
	}
	return entries
}

func parseEntryList(raw interface{}) []streamEntry {
	records, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var entries []streamEntry
	for _, record := range records {
		tuple, ok := record.([]interface{})
		if !ok || len(tuple) != 2 {
			continue
		}
		id, _ := asString(tuple[0])
		fields, _ := tuple[1].([]interface{})
		jobID := extractJobID(fields)
		if id == "" || jobID == "" {
			continue
		}
		entries = append(entries, streamEntry{ID: id, JobID: jobID})
	}
	return entries
}

func extractJobID(fields []interface{}) string {
	for i := 0; i < len(fields); i += 2 {
		key, _ := asString(fields[i])
		if strings.EqualFold(key, "job") && i+1 < len(fields) {
			value, _ := asString(fields[i+1])
			if value != "" {
				return value
			}
		}
	}
	return ""
}

// parseFieldMap normalises an HGETALL reply, which arrives as a flat
// field-value list on RESP2 and as a map on RESP3.
func parseFieldMap(reply interface{}) map[string]string {
	fields := make(map[string]string)
	switch v := reply.(type) {
	case map[interface{}]interface{}:
		for key, value := range v {
			k, ok := asString(key)
			if !ok {
				continue
			}
			if s, ok := asString(value); ok {
				fields[k] = s
			}
		}
	case []interface{}:
		for i := 0; i+1 < len(v); i += 2 {
			k, ok := asString(v[i])
			if !ok {
				continue
			}
			if s, ok := asString(v[i+1]); ok {
				fields[k] = s
			}
		}
	}
	return fields
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func asInt64(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygrou")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nil reply") || strings.Contains(msg, "redis: nil") || strings.Contains(msg, "timeout")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
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
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
