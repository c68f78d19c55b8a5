package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// KEYS: due zset, job hash, seq. ARGV: post id, due ms, priority.
var upsertScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[2], 'due', ARGV[2], 'version', v, 'priority', ARGV[3], 'claims', 0, 'lease', 0)
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return v
`)

// KEYS: due zset, job hash, seq. ARGV: post id, due ms, priority, expected version (0 = absent).
var upsertIfScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], 'version')
if ARGV[4] == '0' then
  if cur then
    return 0
  end
elseif not cur or cur ~= ARGV[4] then
  return 0
end
local v = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[2], 'due', ARGV[2], 'version', v, 'priority', ARGV[3], 'claims', 0, 'lease', 0)
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return v
`)

// KEYS: due zset, job hash, seq. ARGV: post id, expected version, now ms, lease-until ms.
var claimScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], 'version')
if not cur or cur ~= ARGV[2] then
  return 0
end
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[3]) then
  return 0
end
local v = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[2], 'version', v, 'lease', ARGV[4])
redis.call('HINCRBY', KEYS[2], 'claims', 1)
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return v
`)

// KEYS: due zset, job hash. ARGV: post id, version.
var removeIfScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'version') == ARGV[2] then
  redis.call('DEL', KEYS[2])
  redis.call('ZREM', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// KEYS: due zset, job hash. ARGV: post id.
var removeScript = redis.NewScript(`
local n = redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[1], ARGV[1])
return n
`)

// RedisStore lays jobs out as a sorted set of post ids scored by eligibility
// (ms) plus one hash per job and a global version counter.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "herald:jobs"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) dueKey() string { return s.prefix + ":due" }

func (s *RedisStore) seqKey() string { return s.prefix + ":seq" }

func (s *RedisStore) jobKey(postID string) string { return s.prefix + ":job:" + postID }

func (s *RedisStore) Upsert(ctx context.Context, postID string, due time.Time, priority int) (Job, error) {
	v, err := upsertScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.jobKey(postID), s.seqKey()},
		postID, toMillis(due), priority).Int64()
	if err != nil {
		return Job{}, fmt.Errorf("upsert job %s: %w", postID, err)
	}
	return Job{
		PostID:   postID,
		DueAt:    fromMillis(toMillis(due)),
		Version:  v,
		Priority: priority,
	}, nil
}

func (s *RedisStore) UpsertIf(ctx context.Context, postID string, expect int64, due time.Time, priority int) (Job, bool, error) {
	v, err := upsertIfScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.jobKey(postID), s.seqKey()},
		postID, toMillis(due), priority, expect).Int64()
	if err != nil {
		return Job{}, false, fmt.Errorf("conditional upsert job %s: %w", postID, err)
	}
	if v == 0 {
		return Job{}, false, nil
	}
	return Job{
		PostID:   postID,
		DueAt:    fromMillis(toMillis(due)),
		Version:  v,
		Priority: priority,
	}, true, nil
}

func (s *RedisStore) Remove(ctx context.Context, postID string) (bool, error) {
	n, err := removeScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.jobKey(postID)}, postID).Int64()
	if err != nil {
		return false, fmt.Errorf("remove job %s: %w", postID, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Get(ctx context.Context, postID string) (Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(postID)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", postID, err)
	}
	if len(fields) == 0 {
		return Job{}, ErrNotFound
	}
	return parseJob(postID, fields)
}

func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(toMillis(now), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch due jobs: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) Next(ctx context.Context, n int) ([]Job, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := s.client.ZRange(ctx, s.dueKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch next jobs: %w", err)
	}
	return s.load(ctx, ids)
}

// load reads the job hashes for ids in one pipeline. Ids whose hash vanished
// in between are skipped.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := parseJob(ids[i], fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) Claim(ctx context.Context, job Job, now time.Time, lease time.Duration) (Claim, error) {
	leaseUntil := fromMillis(toMillis(now.Add(lease)))
	v, err := claimScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.jobKey(job.PostID), s.seqKey()},
		job.PostID, job.Version, toMillis(now), toMillis(leaseUntil)).Int64()
	if err != nil {
		return Claim{}, fmt.Errorf("claim job %s: %w", job.PostID, err)
	}
	if v == 0 {
		return Claim{}, ErrClaimConflict
	}
	claimed := job
	claimed.Version = v
	claimed.Claims++
	claimed.LeaseUntil = leaseUntil
	return Claim{Job: claimed, Token: v, LeaseUntil: leaseUntil}, nil
}

func (s *RedisStore) Holds(ctx context.Context, claim Claim) (bool, error) {
	v, err := s.client.HGet(ctx, s.jobKey(claim.Job.PostID), "version").Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check claim on %s: %w", claim.Job.PostID, err)
	}
	return v == claim.Token, nil
}

func (s *RedisStore) RemoveIf(ctx context.Context, postID string, version int64) (bool, error) {
	n, err := removeIfScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.jobKey(postID)},
		postID, version).Int64()
	if err != nil {
		return false, fmt.Errorf("remove job %s at version %d: %w", postID, version, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Complete(ctx context.Context, claim Claim) (bool, error) {
	return s.RemoveIf(ctx, claim.Job.PostID, claim.Token)
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.dueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func parseJob(postID string, fields map[string]string) (Job, error) {
	ints := make(map[string]int64, 5)
	for _, name := range []string{"due", "version", "priority", "claims", "lease"} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: bad %s field %q: %w", postID, name, raw, err)
		}
		ints[name] = v
	}
	return Job{
		PostID:     postID,
		DueAt:      fromMillis(ints["due"]),
		Version:    ints["version"],
		Priority:   int(ints["priority"]),
		Claims:     int(ints["claims"]),
		LeaseUntil: fromMillis(ints["lease"]),
	}, nil
}
