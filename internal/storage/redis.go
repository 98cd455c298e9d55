package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	logx "remindbot/pkg/logx"
)

const auditKeep = 1000

// redisKeys centralizes key construction for one prefix.
type redisKeys struct {
	jobPrefix string
	scheduled string
	audit     string
}

func keysFor(prefix string) redisKeys {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "remindbot"
	}
	p += ":"
	return redisKeys{
		jobPrefix: p + "job:",
		scheduled: p + "scheduled",
		audit:     p + "audit",
	}
}

func (k redisKeys) job(taskID int64) string {
	return k.jobPrefix + strconv.FormatInt(taskID, 10)
}

// RedisRegistry stores each job as a JSON string and indexes scheduled jobs
// in a sorted set scored by fire time (unix ms). Multi-key writes go through
// MULTI/EXEC so the value and the index never disagree.
type RedisRegistry struct {
	rdb  *redis.Client
	keys redisKeys
	log  logx.Logger
	own  bool
}

func openRedis(cfg Config, log logx.Logger) (Registry, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	r := NewRedis(rdb, cfg.Redis.Prefix, log)
	r.own = true
	log.Debug("redis registry opened", logx.String("addr", addr))
	return r, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of rdb.
func NewRedis(rdb *redis.Client, prefix string, log logx.Logger) *RedisRegistry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisRegistry{rdb: rdb, keys: keysFor(prefix), log: log}
}

func (r *RedisRegistry) Put(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now()
	}
	payload, err := sonic.Marshal(job)
	if err != nil {
		return err
	}
	member := strconv.FormatInt(job.TaskID, 10)
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.keys.job(job.TaskID), payload, 0)
		if job.State == StateScheduled {
			p.ZAdd(ctx, r.keys.scheduled, redis.Z{Score: float64(job.FireAt.UnixMilli()), Member: member})
		} else {
			p.ZRem(ctx, r.keys.scheduled, member)
		}
		return nil
	})
	return err
}

func (r *RedisRegistry) Get(ctx context.Context, taskID int64) (Job, bool, error) {
	raw, err := r.rdb.Get(ctx, r.keys.job(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	var j Job
	if err := sonic.Unmarshal(raw, &j); err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, taskID int64) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.keys.job(taskID))
		p.ZRem(ctx, r.keys.scheduled, strconv.FormatInt(taskID, 10))
		return nil
	})
	return err
}

func (r *RedisRegistry) ListScheduled(ctx context.Context) ([]Job, error) {
	members, err := r.rdb.ZRange(ctx, r.keys.scheduled, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, r.keys.jobPrefix+m)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Index entry without a value; Put/Delete are transactional so
			// this only happens after manual edits.
			r.log.Warn("scheduled index points at missing job", logx.String("member", members[i]))
			continue
		}
		var j Job
		if err := sonic.UnmarshalString(s, &j); err != nil {
			return nil, err
		}
		if j.State == StateScheduled {
			out = append(out, j)
		}
	}
	sortByFireAt(out)
	return out, nil
}

func (r *RedisRegistry) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	payload, err := sonic.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, r.keys.audit, payload)
		p.LTrim(ctx, r.keys.audit, 0, auditKeep-1)
		return nil
	})
	return err
}

func (r *RedisRegistry) Close() error {
	if r.own {
		return r.rdb.Close()
	}
	return nil
}
