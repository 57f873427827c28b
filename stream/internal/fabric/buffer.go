package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// BufferTTL is how long undelivered frames survive for reconnecting
// clients.
const BufferTTL = 5 * time.Minute

// Buffer is the Redis-backed side cache. Frames are kept per artifact in
// a sorted set scored by sequence, with an insertion-time index driving
// TTL expiry. Sequences come from a per-artifact counter so every frame
// for an artifact is totally ordered across fabric instances.
type Buffer struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewBuffer creates a buffer over the given Redis client.
func NewBuffer(client *redis.Client, ttl time.Duration) *Buffer {
	if ttl <= 0 {
		ttl = BufferTTL
	}
	return &Buffer{redis: client, ttl: ttl}
}

func (b *Buffer) seqKey(artifactID string) string   { return "stream:seq:" + artifactID }
func (b *Buffer) mapKey(artifactID string) string   { return "stream:eventseq:" + artifactID }
func (b *Buffer) frameKey(artifactID string) string { return "stream:buf:" + artifactID }
func (b *Buffer) timeKey(artifactID string) string  { return "stream:bufts:" + artifactID }

// SeqFor resolves the sequence number for a logical event, allocating one
// on first sight. Every fabric replica sees every bus event, so the
// event-ID-to-seq mapping is what keeps one logical event at one stable
// seq: whichever replica wins the HSetNX owns the allocation and the
// losers read it back. Counter holes from lost races are harmless; the
// sequence only needs to be monotonic, not dense.
func (b *Buffer) SeqFor(ctx context.Context, artifactID, eventID string) (uint64, error) {
	mapKey := b.mapKey(artifactID)
	if existing, err := b.redis.HGet(ctx, mapKey, eventID).Result(); err == nil {
		return strconv.ParseUint(existing, 10, 64)
	}

	seq, err := b.redis.Incr(ctx, b.seqKey(artifactID)).Result()
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	set, err := b.redis.HSetNX(ctx, mapKey, eventID, strconv.FormatInt(seq, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("map event seq: %w", err)
	}
	if !set {
		// Another replica allocated first; use its seq.
		existing, err := b.redis.HGet(ctx, mapKey, eventID).Result()
		if err != nil {
			return 0, fmt.Errorf("read event seq: %w", err)
		}
		seqFromMap, err := strconv.ParseUint(existing, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse event seq: %w", err)
		}
		b.touch(ctx, artifactID)
		return seqFromMap, nil
	}

	b.touch(ctx, artifactID)
	return uint64(seq), nil
}

func (b *Buffer) touch(ctx context.Context, artifactID string) {
	b.redis.Expire(ctx, b.seqKey(artifactID), b.ttl)
	b.redis.Expire(ctx, b.mapKey(artifactID), b.ttl)
}

// Append stores a frame for replay. One frame per seq: a replica that
// lost the dispatch race finds the seq occupied and leaves the existing
// member alone. Keys expire after the TTL with no further activity;
// stale members are also swept by GC.
func (b *Buffer) Append(ctx context.Context, frame *Frame) error {
	occupied, err := b.redis.ZCount(ctx, b.frameKey(frame.ArtifactID),
		strconv.FormatUint(frame.Seq, 10), strconv.FormatUint(frame.Seq, 10)).Result()
	if err == nil && occupied > 0 {
		return nil
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	pipe := b.redis.TxPipeline()
	pipe.ZAdd(ctx, b.frameKey(frame.ArtifactID), redis.Z{Score: float64(frame.Seq), Member: data})
	pipe.ZAdd(ctx, b.timeKey(frame.ArtifactID), redis.Z{Score: float64(time.Now().Unix()), Member: strconv.FormatUint(frame.Seq, 10)})
	pipe.Expire(ctx, b.frameKey(frame.ArtifactID), b.ttl)
	pipe.Expire(ctx, b.timeKey(frame.ArtifactID), b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append frame: %w", err)
	}
	return nil
}

// Replay returns buffered frames with seq > afterSeq in chronological
// order. Expired members are garbage-collected on access before reading.
func (b *Buffer) Replay(ctx context.Context, artifactID string, afterSeq uint64) ([]*Frame, error) {
	b.gcArtifact(ctx, artifactID)

	raw, err := b.redis.ZRangeByScore(ctx, b.frameKey(artifactID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatUint(afterSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("replay range: %w", err)
	}

	frames := make([]*Frame, 0, len(raw))
	for _, r := range raw {
		f := &Frame{}
		if err := json.Unmarshal([]byte(r), f); err != nil {
			continue
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// gcArtifact removes members older than the TTL for one artifact.
func (b *Buffer) gcArtifact(ctx context.Context, artifactID string) {
	cutoff := time.Now().Add(-b.ttl).Unix()
	stale, err := b.redis.ZRangeByScore(ctx, b.timeKey(artifactID), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil || len(stale) == 0 {
		return
	}

	pipe := b.redis.TxPipeline()
	for _, seqStr := range stale {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			pipe.ZRemRangeByScore(ctx, b.frameKey(artifactID),
				strconv.FormatUint(seq, 10), strconv.FormatUint(seq, 10))
		}
	}
	pipe.ZRemRangeByScore(ctx, b.timeKey(artifactID), "-inf", strconv.FormatInt(cutoff, 10))
	_, _ = pipe.Exec(ctx)
}

// RunGC sweeps all artifact buffers periodically until ctx is canceled.
func (b *Buffer) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

func (b *Buffer) sweep(ctx context.Context) {
	var cursor uint64
	for {
		keys, next, err := b.redis.Scan(ctx, cursor, "stream:bufts:*", 100).Result()
		if err != nil {
			return
		}
		for _, key := range keys {
			b.gcArtifact(ctx, key[len("stream:bufts:"):])
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
