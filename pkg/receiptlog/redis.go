package receiptlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
)

// appendScript checks continuity against the session tail and appends to
// the session's stream in one step. Stream entry ids are "<sequence>-1",
// so Redis itself refuses an id that does not grow.
//
// KEYS[1] stream, KEYS[2] tail hash, KEYS[3] global hash index
// ARGV[1] sequence, ARGV[2] parent hash, ARGV[3] hash, ARGV[4] body,
// ARGV[5] index value
var appendScript = redis.NewScript(`
local tail = redis.call("HMGET", KEYS[2], "sequence", "hash")
local seq = tonumber(ARGV[1])
if not tail[1] then
	if seq ~= 0 or ARGV[2] ~= "" then
		return redis.error_reply("SEQUENCE first receipt must be a root")
	end
else
	if seq ~= tonumber(tail[1]) + 1 then
		return redis.error_reply("SEQUENCE gap")
	end
	if ARGV[2] ~= tail[2] then
		return redis.error_reply("SEQUENCE parent hash is not the tail")
	end
end
redis.call("XADD", KEYS[1], ARGV[1] .. "-1", "hash", ARGV[3], "receipt", ARGV[4])
redis.call("HSET", KEYS[2], "sequence", ARGV[1], "hash", ARGV[3])
redis.call("HSET", KEYS[3], ARGV[3], ARGV[5])
return 1
`)

// RedisLog keeps one stream per session.
type RedisLog struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLog connects to addr.
func NewRedisLog(addr, password string, db int) *RedisLog {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLogFromClient(rdb, "mukernel:")
}

// NewRedisLogFromClient wraps an existing client. Keys are namespaced by prefix.
func NewRedisLogFromClient(c redis.UniversalClient, prefix string) *RedisLog {
	return &RedisLog{client: c, prefix: prefix}
}

func (l *RedisLog) streamKey(sessionID string) string { return l.prefix + "receipts:" + sessionID }
func (l *RedisLog) tailKey(sessionID string) string   { return l.prefix + "tail:" + sessionID }
func (l *RedisLog) indexKey() string                  { return l.prefix + "receipt-index" }

// Ping checks connectivity.
func (l *RedisLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLog) Append(ctx context.Context, r *receipt.Receipt) error {
	if err := validate(r); err != nil {
		return err
	}
	body, err := receipt.MarshalCBOR(r)
	if err != nil {
		return err
	}
	keys := []string{l.streamKey(r.SessionID), l.tailKey(r.SessionID), l.indexKey()}
	index := r.SessionID + "|" + strconv.FormatUint(r.Sequence, 10)
	err = appendScript.Run(ctx, l.client, keys,
		r.Sequence, r.ParentHash, r.Hash, body, index,
	).Err()
	if err != nil {
		if msg, ok := strings.CutPrefix(err.Error(), "SEQUENCE "); ok {
			return &SequenceError{SessionID: r.SessionID, Got: r.Sequence, Reason: msg}
		}
		return fmt.Errorf("receiptlog: redis append: %w", err)
	}
	return nil
}

func (l *RedisLog) Chain(ctx context.Context, sessionID string) ([]*receipt.Receipt, error) {
	msgs, err := l.client.XRange(ctx, l.streamKey(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("receiptlog: redis range: %w", err)
	}
	chain := make([]*receipt.Receipt, 0, len(msgs))
	for _, m := range msgs {
		r, err := decodeStreamEntry(m)
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}
	return chain, nil
}

func (l *RedisLog) Get(ctx context.Context, hash string) (*receipt.Receipt, error) {
	loc, err := l.client.HGet(ctx, l.indexKey(), hash).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receiptlog: redis index: %w", err)
	}
	cut := strings.LastIndexByte(loc, '|')
	if cut < 0 {
		return nil, fmt.Errorf("receiptlog: corrupt index entry %q", loc)
	}
	id := loc[cut+1:] + "-1"
	msgs, err := l.client.XRange(ctx, l.streamKey(loc[:cut]), id, id).Result()
	if err != nil {
		return nil, fmt.Errorf("receiptlog: redis range: %w", err)
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return decodeStreamEntry(msgs[0])
}

func decodeStreamEntry(m redis.XMessage) (*receipt.Receipt, error) {
	raw, ok := m.Values["receipt"].(string)
	if !ok {
		return nil, fmt.Errorf("receiptlog: stream entry %s has no receipt", m.ID)
	}
	return receipt.UnmarshalCBOR([]byte(raw))
}

// Close closes the client.
func (l *RedisLog) Close() error { return l.client.Close() }
