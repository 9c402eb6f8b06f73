package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTxRetries = 5

// RedisConnectionStore keeps each connection as a hash whose fields are all
// text. Reads go through DecodeConnection so older rows written with other
// key spellings or "1"/"yes" booleans still decode.
type RedisConnectionStore struct {
	client *redis.Client
	prefix string
}

func NewRedisConnectionStore(client *redis.Client, prefix string) *RedisConnectionStore {
	if prefix == "" {
		prefix = "intro"
	}
	return &RedisConnectionStore{client: client, prefix: prefix}
}

func (s *RedisConnectionStore) recordKey(id string) string {
	return s.prefix + ":connection:" + id
}

func (s *RedisConnectionStore) allKey() string {
	return s.prefix + ":connections:all"
}

func (s *RedisConnectionStore) partyKey(userID string) string {
	return s.prefix + ":connections:from:" + userID
}

func (s *RedisConnectionStore) peerKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return s.prefix + ":connections:peer:" + a + ":" + b
}

func (s *RedisConnectionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisConnectionStore) CreateConnection(ctx context.Context, c Connection) (string, error) {
	if c.ID == "" {
		return "", fmt.Errorf("create connection: id is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	key := s.recordKey(c.ID)
	watched := []string{key}
	peer := ""
	if !c.IsDealRequest() {
		peer = s.peerKey(c.FromUserID, c.ToUserID)
		watched = append(watched, peer)
	}
	score := float64(c.CreatedAt.UnixNano())

	// the peer key is claimed in the same MULTI as the record, and WATCH
	// aborts the write if another process claims it first
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("check connection: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("create connection: %s already exists", c.ID)
		}
		if peer != "" {
			taken, err := tx.Exists(ctx, peer).Result()
			if err != nil {
				return fmt.Errorf("check peer: %w", err)
			}
			if taken > 0 {
				return ErrDuplicate
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hashArgs(EncodeConnection(c)))
			pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: c.ID})
			pipe.ZAdd(ctx, s.partyKey(c.FromUserID), redis.Z{Score: score, Member: c.ID})
			if peer != "" {
				pipe.Set(ctx, peer, c.ID, 0)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("write connection: %w", err)
		}
		return nil
	}

	for attempt := 0; attempt < redisTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", err
		}
		return c.ID, nil
	}
	return "", fmt.Errorf("create connection %s: too much contention", c.ID)
}

func (s *RedisConnectionStore) GetConnection(ctx context.Context, id string) (Connection, error) {
	raw, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return Connection{}, fmt.Errorf("read connection: %w", err)
	}
	if len(raw) == 0 {
		return Connection{}, ErrNotFound
	}
	return DecodeConnection(raw), nil
}

// UpdateConnection writes only the fields the patch touches plus the
// recomputed status, retrying when another writer changed the hash. The
// precondition is re-run on every retry against the watched hash.
func (s *RedisConnectionStore) UpdateConnection(ctx context.Context, id string, patch ConnectionPatch) error {
	key := s.recordKey(id)
	var rejected error
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read connection: %w", err)
		}
		if len(raw) == 0 {
			return ErrNotFound
		}
		current := DecodeConnection(raw)
		if patch.Precondition != nil {
			if rejected = patch.Precondition(current); rejected != nil {
				return rejected
			}
		}
		next := patch.Apply(current)
		fields := EncodePatch(patch)
		fields["status"] = string(next.Status)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hashArgs(fields))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && rejected == nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("update connection: %w", err)
		}
		return err
	}
	return fmt.Errorf("update connection %s: too much contention", id)
}

func (s *RedisConnectionStore) load(ctx context.Context, ids []string) ([]Connection, error) {
	items := make([]Connection, 0, len(ids))
	if len(ids) == 0 {
		return items, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load connections: %w", err)
	}
	for _, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("load connection: %w", err)
		}
		if len(raw) == 0 {
			continue
		}
		items = append(items, DecodeConnection(raw))
	}
	sortNewestFirst(items)
	return items, nil
}

func (s *RedisConnectionStore) ListByParty(ctx context.Context, userID string) ([]Connection, error) {
	ids, err := s.client.ZRevRange(ctx, s.partyKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list party connections: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisConnectionStore) ListAll(ctx context.Context) ([]Connection, error) {
	ids, err := s.client.ZRevRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisConnectionStore) FindPeerConnection(ctx context.Context, userA, userB string) (*Connection, error) {
	id, err := s.client.Get(ctx, s.peerKey(userA, userB)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find peer connection: %w", err)
	}
	c, err := s.GetConnection(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ImportRows loads rows exported from a spreadsheet-style source. Keys and
// booleans are normalized on the way in; rows without an id and second rows
// for an already imported peer pair are skipped.
func (s *RedisConnectionStore) ImportRows(ctx context.Context, rows []map[string]string) (int, error) {
	imported := 0
	for _, raw := range rows {
		c := DecodeConnection(raw)
		if c.ID == "" || c.FromUserID == "" {
			continue
		}
		_, err := s.CreateConnection(ctx, c)
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		if err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func hashArgs(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		out[key] = value
	}
	return out
}
