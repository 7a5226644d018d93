// Package cache holds commission.SummaryCache implementations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agrilink/commission-engine/commission"
)

const DefaultTTL = 5 * time.Minute

var periodTypes = []commission.PeriodType{
	commission.PeriodAll,
	commission.PeriodMonth,
	commission.PeriodQuarter,
	commission.PeriodYear,
}

// RedisSummaryCache stores summaries as JSON under
// "commission:summary:<partner>:<period>" with a TTL. The TTL also bounds
// how long a summary can outlive the calendar window it was built for.
type RedisSummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisSummaryCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisSummaryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSummaryCache{client: client, ttl: ttl, logger: logger}
}

// Connect builds a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MaxRetries:   3,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func key(partnerID commission.PartnerID, pt commission.PeriodType) string {
	p := string(pt)
	if pt == commission.PeriodAll {
		p = "all"
	}
	return "commission:summary:" + string(partnerID) + ":" + p
}

type cachedSummary struct {
	PartnerID            string          `json:"partner_id"`
	PeriodStart          time.Time       `json:"period_start"`
	PeriodEnd            time.Time       `json:"period_end"`
	TotalCommissions     decimal.Decimal `json:"total_commissions"`
	TotalTransactions    int             `json:"total_transactions"`
	PendingCommissions   decimal.Decimal `json:"pending_commissions"`
	CompletedCommissions decimal.Decimal `json:"completed_commissions"`
	TotalWithdrawn       decimal.Decimal `json:"total_withdrawn"`
}

func (c *RedisSummaryCache) Get(ctx context.Context, partnerID commission.PartnerID, pt commission.PeriodType) (commission.Summary, bool) {
	raw, err := c.client.Get(ctx, key(partnerID, pt)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("summary cache read failed", zap.String("partner_id", string(partnerID)), zap.Error(err))
		}
		return commission.Summary{}, false
	}

	var cs cachedSummary
	if err := json.Unmarshal(raw, &cs); err != nil {
		c.logger.Warn("summary cache entry unreadable", zap.String("partner_id", string(partnerID)), zap.Error(err))
		return commission.Summary{}, false
	}
	return commission.Summary{
		PartnerID:            commission.PartnerID(cs.PartnerID),
		Period:               commission.Period{Start: cs.PeriodStart, End: cs.PeriodEnd},
		TotalCommissions:     cs.TotalCommissions,
		TotalTransactions:    cs.TotalTransactions,
		PendingCommissions:   cs.PendingCommissions,
		CompletedCommissions: cs.CompletedCommissions,
		TotalWithdrawn:       cs.TotalWithdrawn,
	}, true
}

func (c *RedisSummaryCache) Set(ctx context.Context, pt commission.PeriodType, s commission.Summary) {
	raw, err := json.Marshal(cachedSummary{
		PartnerID:            string(s.PartnerID),
		PeriodStart:          s.Period.Start,
		PeriodEnd:            s.Period.End,
		TotalCommissions:     s.TotalCommissions,
		TotalTransactions:    s.TotalTransactions,
		PendingCommissions:   s.PendingCommissions,
		CompletedCommissions: s.CompletedCommissions,
		TotalWithdrawn:       s.TotalWithdrawn,
	})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(s.PartnerID, pt), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("summary cache write failed", zap.String("partner_id", string(s.PartnerID)), zap.Error(err))
	}
}

func (c *RedisSummaryCache) Invalidate(ctx context.Context, partnerID commission.PartnerID) {
	keys := make([]string, 0, len(periodTypes))
	for _, pt := range periodTypes {
		keys = append(keys, key(partnerID, pt))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Error("summary cache invalidation failed", zap.String("partner_id", string(partnerID)), zap.Error(err))
	}
}

// Nop never caches.
type Nop struct{}

func (Nop) Get(context.Context, commission.PartnerID, commission.PeriodType) (commission.Summary, bool) {
	return commission.Summary{}, false
}
func (Nop) Set(context.Context, commission.PeriodType, commission.Summary) {}
func (Nop) Invalidate(context.Context, commission.PartnerID)             {}
