package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"locstream/internal/domain"
)

const DefaultPrefix = "locstream:"

type Config struct {
	URL    string
	Prefix string
}

func (c *Config) withDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("redis.url is required")
	}
	return nil
}

// Open parses the URL and pings the server before returning the client.
func Open(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type keys struct{ prefix string }

func (k keys) sequence(driverID string) string { return k.prefix + "seq:" + driverID }
func (k keys) offset(p domain.PartitionID) string {
	return k.prefix + "offset:" + strconv.FormatUint(uint64(p), 10)
}
func (k keys) watermarks(p domain.PartitionID) string {
	return k.prefix + "watermarks:" + strconv.FormatUint(uint64(p), 10)
}
func (k keys) timestamps(p domain.PartitionID) string {
	return k.prefix + "timestamps:" + strconv.FormatUint(uint64(p), 10)
}
func (k keys) latest(driverID string) string { return k.prefix + "latest:" + driverID }

// SequenceStore keeps per-driver counters in Redis so several ingress
// processes share one sequence space.
type SequenceStore struct {
	client goredis.UniversalClient
	keys   keys
}

func NewSequenceStore(client goredis.UniversalClient, prefix string) *SequenceStore {
	cfg := Config{Prefix: prefix}
	cfg.withDefaults()
	return &SequenceStore{client: client, keys: keys{prefix: cfg.Prefix}}
}

func (s *SequenceStore) Next(ctx context.Context, driverID string) (uint64, error) {
	v, err := s.client.Incr(ctx, s.keys.sequence(driverID)).Uint64()
	if err != nil {
		return 0, fmt.Errorf("incr sequence %s: %w", driverID, err)
	}
	return v, nil
}

var seedScript = goredis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local want = tonumber(ARGV[1])
if want > cur then
	redis.call('SET', KEYS[1], ARGV[1])
	return want
end
return cur
`)

func (s *SequenceStore) Seed(ctx context.Context, driverID string, last uint64) error {
	if err := seedScript.Run(ctx, s.client, []string{s.keys.sequence(driverID)}, strconv.FormatUint(last, 10)).Err(); err != nil {
		return fmt.Errorf("seed sequence %s: %w", driverID, err)
	}
	return nil
}

// OffsetStore keeps partition checkpoints in two hashes per partition. A
// commit is applied in one MULTI/EXEC guarded by WATCH so concurrent writers
// cannot move the offset backwards.
type OffsetStore struct {
	client  goredis.UniversalClient
	keys    keys
	retries int
}

func NewOffsetStore(client goredis.UniversalClient, prefix string) *OffsetStore {
	cfg := Config{Prefix: prefix}
	cfg.withDefaults()
	return &OffsetStore{client: client, keys: keys{prefix: cfg.Prefix}, retries: 5}
}

func (s *OffsetStore) Commit(ctx context.Context, cp domain.Checkpoint) error {
	offKey, wmKey, tsKey := s.keys.offset(cp.Partition), s.keys.watermarks(cp.Partition), s.keys.timestamps(cp.Partition)
	committedAt := cp.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now()
	}
	drivers := cp.Drivers()
	txf := func(tx *goredis.Tx) error {
		cur, err := tx.HGet(ctx, offKey, "offset").Int64()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return err
		case cp.Offset < cur:
			return nil
		}
		var seqs, stamps []any
		if len(drivers) > 0 {
			if seqs, err = tx.HMGet(ctx, wmKey, drivers...).Result(); err != nil {
				return err
			}
			if stamps, err = tx.HMGet(ctx, tsKey, drivers...).Result(); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, offKey, "offset", cp.Offset, "committed_at", committedAt.UTC().UnixNano())
			for i, d := range drivers {
				if seq, ok := cp.Sequences[d]; ok && storedBelow(seqs[i], seq) {
					pipe.HSet(ctx, wmKey, d, seq)
				}
				if ts := cp.Timestamps[d]; !ts.IsZero() && storedBelow(stamps[i], uint64(ts.UTC().UnixNano())) {
					pipe.HSet(ctx, tsKey, d, ts.UTC().UnixNano())
				}
			}
			return nil
		})
		return err
	}
	for i := 0; i < s.retries; i++ {
		err := s.client.Watch(ctx, txf, offKey, wmKey, tsKey)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("commit partition=%d: %w", cp.Partition, err)
		}
		return nil
	}
	return fmt.Errorf("commit partition=%d: %w", cp.Partition, goredis.TxFailedErr)
}

func (s *OffsetStore) LastCommitted(ctx context.Context, partition domain.PartitionID) (domain.Checkpoint, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.offset(partition)).Result()
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	raw, ok := vals["offset"]
	if !ok {
		return domain.Checkpoint{}, false, nil
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("parse offset partition=%d: %w", partition, err)
	}
	at, _ := strconv.ParseInt(vals["committed_at"], 10, 64)
	wm, err := s.client.HGetAll(ctx, s.keys.watermarks(partition)).Result()
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	stamps, err := s.client.HGetAll(ctx, s.keys.timestamps(partition)).Result()
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	cp := domain.Checkpoint{
		Partition:   partition,
		Offset:      offset,
		Sequences:   make(map[string]uint64, len(wm)),
		Timestamps:  make(map[string]time.Time, len(stamps)),
		CommittedAt: time.Unix(0, at).UTC(),
	}
	for d, v := range wm {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return domain.Checkpoint{}, false, fmt.Errorf("parse watermark %s: %w", d, err)
		}
		cp.Sequences[d] = seq
	}
	for d, v := range stamps {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return domain.Checkpoint{}, false, fmt.Errorf("parse timestamp %s: %w", d, err)
		}
		cp.Timestamps[d] = time.Unix(0, ns).UTC()
	}
	return cp, true, nil
}

// storedBelow reports whether an HMGET reply is missing or smaller than v.
func storedBelow(stored any, v uint64) bool {
	str, ok := stored.(string)
	if !ok {
		return true
	}
	prev, err := strconv.ParseUint(str, 10, 64)
	return err != nil || prev < v
}

// LatestStore caches the most recent location of every driver. It is
// registered as a dispatcher handler.
type LatestStore struct {
	client goredis.UniversalClient
	keys   keys
	ttl    time.Duration
}

func NewLatestStore(client goredis.UniversalClient, prefix string, ttl time.Duration) *LatestStore {
	cfg := Config{Prefix: prefix}
	cfg.withDefaults()
	return &LatestStore{client: client, keys: keys{prefix: cfg.Prefix}, ttl: ttl}
}

func (s *LatestStore) Handle(ctx context.Context, u domain.LocationUpdate) error {
	key := s.keys.latest(u.DriverID)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"latitude", strconv.FormatFloat(u.Latitude, 'f', -1, 64),
			"longitude", strconv.FormatFloat(u.Longitude, 'f', -1, 64),
			"timestamp", u.Timestamp.UTC().UnixNano(),
			"sequence", u.Sequence,
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store latest location %s: %w", u.DriverID, err)
	}
	return nil
}

func (s *LatestStore) Latest(ctx context.Context, driverID string) (domain.LocationUpdate, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.latest(driverID)).Result()
	if err != nil {
		return domain.LocationUpdate{}, false, err
	}
	if len(vals) == 0 {
		return domain.LocationUpdate{}, false, nil
	}
	u := domain.LocationUpdate{DriverID: driverID}
	var perr error
	parse := func(field string, fn func(string) error) {
		if perr != nil {
			return
		}
		if err := fn(vals[field]); err != nil {
			perr = fmt.Errorf("parse %s: %w", field, err)
		}
	}
	parse("latitude", func(v string) (err error) { u.Latitude, err = strconv.ParseFloat(v, 64); return })
	parse("longitude", func(v string) (err error) { u.Longitude, err = strconv.ParseFloat(v, 64); return })
	parse("timestamp", func(v string) error {
		ns, err := strconv.ParseInt(v, 10, 64)
		u.Timestamp = time.Unix(0, ns).UTC()
		return err
	})
	parse("sequence", func(v string) (err error) { u.Sequence, err = strconv.ParseUint(v, 10, 64); return })
	if perr != nil {
		return domain.LocationUpdate{}, false, perr
	}
	return u, true, nil
}
