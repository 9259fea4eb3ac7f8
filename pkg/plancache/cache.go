// Package plancache caches the introspection-derived merge plan for a
// (source, target, options) combination so repeated batches skip the catalog
// round trips. Entries are held in process memory and optionally shared
// through Redis.
package plancache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/cespare/xxhash/v2"

	"github.com/sagadb/sage/internal/repositories/source"
	"github.com/sagadb/sage/internal/repositories/target"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/redis"
	"github.com/sagadb/sage/pkg/tracing"
)

const keyPrefix = "sage:plan:"
const tableIndexPrefix = "sage:plan-keys:"

// Plan is one cached merge configuration: the era, the categorized column
// layout of both tables, and the structure signatures the entry was built
// against.
type Plan struct {
	Key string `json:"key"`

	Era          models.Era         `json:"era"`
	SourceConfig source.ReadConfig  `json:"source_config"`
	TargetConfig target.TableConfig `json:"target_config"`

	IdentityColumns []string   `json:"identity_columns"`
	LookupKeySets   [][]string `json:"lookup_key_sets"`
	AllLookupCols   []string   `json:"all_lookup_cols"`

	// ExcludeIfNullColumns are target columns whose NULL source values are
	// dropped in upsert and replace modes.
	ExcludeIfNullColumns []string `json:"exclude_if_null_columns"`

	// Signatures of the table structures at build time. A mismatch on a
	// later call means the entry is stale.
	SourceSignature uint64 `json:"source_signature"`
	TargetSignature uint64 `json:"target_signature"`

	UseCount int64 `json:"use_count"`
}

// KeyParams identifies one merge configuration.
type KeyParams struct {
	TargetTable      string
	SourceTable      string
	EraName          string
	RowIDColumn      string
	FoundingIDColumn string
	IdentityColumns  []string
	LookupKeySets    [][]string
	EphemeralColumns []string
	IdentityStrategy string
}

// Key derives a stable cache key from the merge configuration.
func Key(p KeyParams) string {
	d := xxhash.New()
	write := func(parts ...string) {
		for _, part := range parts {
			_, _ = d.WriteString(part)
			_, _ = d.Write([]byte{0})
		}
	}
	write(p.TargetTable, p.SourceTable, p.EraName, p.RowIDColumn, p.FoundingIDColumn, p.IdentityStrategy)
	write(p.IdentityColumns...)
	write("|")
	for _, keySet := range p.LookupKeySets {
		write(keySet...)
		write("|")
	}
	ephemeral := append([]string(nil), p.EphemeralColumns...)
	sort.Strings(ephemeral)
	write(ephemeral...)

	var hex strings.Builder
	hex.WriteString(keyPrefix)
	hex.WriteString(p.TargetTable)
	hex.WriteByte(':')
	const digits = "0123456789abcdef"
	sum := d.Sum64()
	for shift := 60; shift >= 0; shift -= 4 {
		hex.WriteByte(digits[(sum>>uint(shift))&0xf])
	}
	return hex.String()
}

// Cache is a two-level plan cache. The Redis client may be nil, leaving only
// the in-process level.
type Cache struct {
	mu          sync.RWMutex
	local       map[string]*Plan
	keysByTable map[string]map[string]struct{}

	rdb    *redis.Client
	ttl    time.Duration
	logger ectologger.Logger
}

func New(rdb *redis.Client, ttl time.Duration, logger ectologger.Logger) *Cache {
	return &Cache{
		local:       map[string]*Plan{},
		keysByTable: map[string]map[string]struct{}{},
		rdb:         rdb,
		ttl:         ttl,
		logger:      logger,
	}
}

// Get returns the cached plan for key when its structure signatures still
// match. A stale entry is dropped and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string, sourceSig, targetSig uint64) (*Plan, bool) {
	ctx, span := tracing.StartSpan(ctx, "plancache.Cache.Get")
	defer span.End()

	c.mu.RLock()
	plan, ok := c.local[key]
	c.mu.RUnlock()

	if !ok && c.rdb != nil {
		raw, err := c.rdb.Get(ctx, key)
		if err != nil {
			if !redis.IsNil(err) {
				c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"cache_key": key}).Warn("Plan cache read failed")
			}
			return nil, false
		}
		var fetched Plan
		if err := json.Unmarshal([]byte(raw), &fetched); err != nil {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"cache_key": key}).Warn("Plan cache entry is malformed")
			return nil, false
		}
		plan = &fetched
		ok = true
	}
	if !ok {
		return nil, false
	}

	if plan.SourceSignature != sourceSig || plan.TargetSignature != targetSig {
		c.logger.WithContext(ctx).WithFields(map[string]any{"cache_key": key}).Info("Dropping stale cached plan")
		c.InvalidateKey(ctx, key, plan.TargetConfig.Table)
		return nil, false
	}

	c.mu.Lock()
	plan.UseCount++
	c.promoteLocked(key, plan)
	c.mu.Unlock()
	return plan, true
}

// Put stores the plan under its key in both levels.
func (c *Cache) Put(ctx context.Context, plan *Plan) {
	ctx, span := tracing.StartSpan(ctx, "plancache.Cache.Put")
	defer span.End()

	c.mu.Lock()
	c.promoteLocked(plan.Key, plan)
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Failed to serialize plan for cache")
		return
	}
	if err := c.rdb.Set(ctx, plan.Key, raw, c.ttl); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"cache_key": plan.Key}).Warn("Plan cache write failed")
		return
	}
	if err := c.rdb.SAdd(ctx, tableIndexPrefix+plan.TargetConfig.Table, plan.Key); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"cache_key": plan.Key}).Warn("Plan cache index write failed")
	}
}

// InvalidateKey removes a single entry.
func (c *Cache) InvalidateKey(ctx context.Context, key, table string) {
	c.mu.Lock()
	delete(c.local, key)
	if keys, ok := c.keysByTable[table]; ok {
		delete(keys, key)
	}
	c.mu.Unlock()

	if c.rdb != nil {
		if err := c.rdb.Del(ctx, key); err != nil {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"cache_key": key}).Warn("Plan cache delete failed")
		}
	}
}

// InvalidateTable removes every entry built against the given table. Called
// when the table's structure changes.
func (c *Cache) InvalidateTable(ctx context.Context, table string) {
	ctx, span := tracing.StartSpan(ctx, "plancache.Cache.InvalidateTable")
	defer span.End()

	c.mu.Lock()
	for key := range c.keysByTable[table] {
		delete(c.local, key)
	}
	delete(c.keysByTable, table)
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	keys, err := c.rdb.SMembers(ctx, tableIndexPrefix+table)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": table}).Warn("Plan cache index read failed")
		return
	}
	keys = append(keys, tableIndexPrefix+table)
	if err := c.rdb.Del(ctx, keys...); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": table}).Warn("Plan cache invalidation failed")
	}
}

func (c *Cache) promoteLocked(key string, plan *Plan) {
	c.local[key] = plan
	table := plan.TargetConfig.Table
	if _, ok := c.keysByTable[table]; !ok {
		c.keysByTable[table] = map[string]struct{}{}
	}
	c.keysByTable[table][key] = struct{}{}
}
