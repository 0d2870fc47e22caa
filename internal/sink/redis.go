package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mqtt-capture/internal/capture"
)

// redisBatch is the number of queued XADDs that forces a pipeline flush.
const redisBatch = 256

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64 // approximate stream cap, 0 for unbounded
}

// RedisWriter appends records to a Redis stream, one entry per record.
// Entries are pipelined between flushes.
type RedisWriter struct {
	client *redis.Client
	stream string
	maxLen int64
	pipe   redis.Pipeliner
	last   uint64
	unsent int // entries of the last failed Exec that did not apply
}

var _ BufferedWriter = (*RedisWriter)(nil)

// NewRedisWriter connects to Redis and pings it before returning.
func NewRedisWriter(ctx context.Context, cfg RedisConfig) (*RedisWriter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisWriter{
		client: rdb,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
		pipe:   rdb.Pipeline(),
	}, nil
}

func recordValues(rec *capture.Record) map[string]interface{} {
	return map[string]interface{}{
		"sequence":     strconv.FormatUint(rec.Sequence, 10),
		"timestamp":    rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"broker_id":    rec.BrokerID,
		"topic":        rec.Topic,
		"payload":      rec.Payload,
		"payload_size": rec.PayloadSize,
		"qos":          int(rec.QoS),
		"retain":       strconv.FormatBool(rec.Retain),
	}
}

func (w *RedisWriter) Write(ctx context.Context, rec capture.Record) error {
	args := &redis.XAddArgs{
		Stream: w.stream,
		Values: recordValues(&rec),
	}
	if w.maxLen > 0 {
		args.MaxLen = w.maxLen
		args.Approx = true
	}
	w.pipe.XAdd(ctx, args)
	w.last = rec.Sequence

	if w.pipe.Len() >= redisBatch {
		return w.Flush(ctx)
	}
	return nil
}

func (w *RedisWriter) Flush(ctx context.Context) error {
	if w.pipe.Len() == 0 {
		return nil
	}
	cmds, err := w.pipe.Exec(ctx)
	if err != nil {
		// Commands apply in order; everything from the first failure on
		// is treated as not stored.
		w.unsent = len(cmds)
		for i, cmd := range cmds {
			if cmd.Err() != nil {
				w.unsent = len(cmds) - i
				break
			}
		}
		return fmt.Errorf("failed to write redis stream %s: %w", w.stream, err)
	}
	w.unsent = 0
	return nil
}

// Buffered returns the queued entries plus those a failed flush did not
// store.
func (w *RedisWriter) Buffered() int { return w.pipe.Len() + w.unsent }

func (w *RedisWriter) Discard() {
	w.pipe.Discard()
	w.unsent = 0
}

// LastSequence reads the sequence field of the newest stream entry.
func (w *RedisWriter) LastSequence(ctx context.Context) (uint64, error) {
	msgs, err := w.client.XRevRangeN(ctx, w.stream, "+", "-", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read redis stream %s: %w", w.stream, err)
	}
	if len(msgs) == 0 {
		return w.last, nil
	}
	raw, ok := msgs[0].Values["sequence"].(string)
	if !ok {
		return 0, fmt.Errorf("redis stream %s: newest entry has no sequence", w.stream)
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis stream %s: bad sequence %q: %w", w.stream, raw, err)
	}
	return seq, nil
}

func (w *RedisWriter) Close(ctx context.Context) error {
	flushErr := w.Flush(ctx)
	if err := w.client.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}
