package taskbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/UniQw/taskbus/internal/keys"
	"github.com/redis/go-redis/v9"
)

// RedisRepository stores tasks as JSON documents in one Redis hash, so that
// several managers can share them.
type RedisRepository struct {
	rdb redis.UniversalClient
	enc Encoder
	key string
}

// NewRedisRepository creates a repository on rdb. A nil enc uses JSONEncoder.
func NewRedisRepository(rdb redis.UniversalClient, enc Encoder) *RedisRepository {
	if enc == nil {
		enc = &JSONEncoder{}
	}
	return &RedisRepository{rdb: rdb, enc: enc, key: keys.Tasks()}
}

func (r *RedisRepository) encode(t *Task) ([]byte, error) {
	b, err := r.enc.Encode(t)
	if err != nil {
		return nil, &SerializationError{Type: "Task", Err: err}
	}
	return b, nil
}

func (r *RedisRepository) decode(raw string) (*Task, error) {
	var t Task
	if err := r.enc.Decode([]byte(raw), &t); err != nil {
		return nil, &DeserializeError{Payload: []byte(raw), Err: err}
	}
	return &t, nil
}

func (r *RedisRepository) Insert(ctx context.Context, t *Task) error {
	b, err := r.encode(t)
	if err != nil {
		return err
	}
	ok, err := r.rdb.HSetNX(ctx, r.key, t.ID, b).Result()
	if err != nil {
		return fmt.Errorf("taskbus: insert task %s: %w", t.ID, err)
	}
	if !ok {
		return ErrTaskAlreadyExists
	}
	return nil
}

// updateScript replaces a field only when it exists.
var updateScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return 0 end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
	`,
)

func (r *RedisRepository) Update(ctx context.Context, t *Task) error {
	b, err := r.encode(t)
	if err != nil {
		return err
	}
	n, err := updateScript.Run(ctx, r.rdb, []string{r.key}, t.ID, b).Int()
	if err != nil {
		return fmt.Errorf("taskbus: update task %s: %w", t.ID, err)
	}
	if n == 0 {
		return &TaskNotFoundError{TaskID: t.ID}
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := r.rdb.HGet(ctx, r.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("taskbus: get task %s: %w", id, err)
	}
	return r.decode(raw)
}

func (r *RedisRepository) List(ctx context.Context) ([]*Task, error) {
	raws, err := r.rdb.HVals(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("taskbus: list tasks: %w", err)
	}
	out := make([]*Task, 0, len(raws))
	for _, raw := range raws {
		t, err := r.decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sortTasks(out)
	return out, nil
}

func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	n, err := r.rdb.HDel(ctx, r.key, id).Result()
	if err != nil {
		return fmt.Errorf("taskbus: delete task %s: %w", id, err)
	}
	if n == 0 {
		return &TaskNotFoundError{TaskID: id}
	}
	return nil
}
