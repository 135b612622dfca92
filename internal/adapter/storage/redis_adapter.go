package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/rigstock/internal/core/domain"
)

const (
	stockKeyPrefix     = "stock:"
	stockVersionPrefix = "stock-version:"
	stockChannelPrefix = "stock-updates:"
	draftKeyPrefix     = "draft:"
	idempotencyKeyTTL  = 24 * time.Hour
	defaultDraftTTL    = 2 * time.Hour
)

// publishStockScript writes committed quantities into the company's snapshot
// hash, skipping any record whose published version is already as new, and
// announces what it applied in the same round trip.
var publishStockScript = redis.NewScript(`
local key = KEYS[1]
local versions = KEYS[2]
local channel = ARGV[1]
local company = ARGV[2]

local applied = {}
local n = 0
for i = 3, #ARGV, 3 do
	local id = ARGV[i]
	local qty = tonumber(ARGV[i + 1])
	local version = tonumber(ARGV[i + 2])
	local seen = tonumber(redis.call('HGET', versions, id) or '0')
	if version > seen then
		redis.call('HSET', key, id, qty)
		redis.call('HSET', versions, id, version)
		applied[id] = qty
		n = n + 1
	end
end

if n > 0 then
	redis.call('PUBLISH', channel, cjson.encode({company_id = company, quantities = applied}))
end
return n
`)

// RedisAdapter holds the read side: idempotency keys, committed stock
// snapshots, and build drafts. Nothing here is authoritative for stock.
type RedisAdapter struct {
	client   *redis.Client
	draftTTL time.Duration
}

func NewRedisAdapter(client *redis.Client, draftTTL time.Duration) *RedisAdapter {
	if draftTTL <= 0 {
		draftTTL = defaultDraftTTL
	}
	return &RedisAdapter{client: client, draftTTL: draftTTL}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

type stockUpdate struct {
	CompanyID  string         `json:"company_id"`
	Quantities map[string]int `json:"quantities"`
}

func (r *RedisAdapter) PublishStock(ctx context.Context, companyID string, stock domain.StockCounts) error {
	if len(stock) == 0 {
		return nil
	}
	argv := make([]interface{}, 0, 2+3*len(stock))
	argv = append(argv, stockChannelPrefix+companyID, companyID)
	for id, sc := range stock {
		argv = append(argv, id, sc.Quantity, sc.Version)
	}
	keys := []string{stockKeyPrefix + companyID, stockVersionPrefix + companyID}
	return publishStockScript.Run(ctx, r.client, keys, argv...).Err()
}

// Snapshot reads the last published quantities for a company.
func (r *RedisAdapter) Snapshot(ctx context.Context, companyID string) (map[string]int, error) {
	raw, err := r.client.HGetAll(ctx, stockKeyPrefix+companyID).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(raw))
	for id, v := range raw {
		qty, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", id, err)
		}
		out[id] = qty
	}
	return out, nil
}

// SubscribeStock streams snapshot updates for a company until ctx is done.
func (r *RedisAdapter) SubscribeStock(ctx context.Context, companyID string) (<-chan map[string]int, error) {
	sub := r.client.Subscribe(ctx, stockChannelPrefix+companyID)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan map[string]int)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var u stockUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
					continue
				}
				select {
				case out <- u.Quantities:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisAdapter) SaveDraft(ctx context.Context, draft domain.Draft) error {
	data, err := json.Marshal(draft)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, draftKeyPrefix+draft.ID, data, r.draftTTL).Err()
}

func (r *RedisAdapter) GetDraft(ctx context.Context, id string) (*domain.Draft, error) {
	data, err := r.client.Get(ctx, draftKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var draft domain.Draft
	if err := json.Unmarshal(data, &draft); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", id, err)
	}
	return &draft, nil
}

func (r *RedisAdapter) DeleteDraft(ctx context.Context, id string) error {
	return r.client.Del(ctx, draftKeyPrefix+id).Err()
}
