package price

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalrun/internal/providers"
)

func TestMemoryHotCacheHitAndExpiry(t *testing.T) {
	c := NewMemoryHotCache(5 * time.Minute)
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	ctx := context.Background()

	_, ok := c.Get(ctx, "evm:0xabc")
	assert.False(t, ok)

	c.Set(ctx, "evm:0xabc", providers.PriceReading{Price: 1.5, Source: "dexscreener"})
	got, ok := c.Get(ctx, "evm:0xabc")
	require.True(t, ok)
	assert.Equal(t, 1.5, got.Price)

	c.now = func() time.Time { return base.Add(5*time.Minute + time.Second) }
	_, ok = c.Get(ctx, "evm:0xabc")
	assert.False(t, ok)
}

func TestMemoryHotCacheDefaultTTL(t *testing.T) {
	c := NewMemoryHotCache(0)
	assert.Equal(t, DefaultHotTTL, c.ttl)
}

func TestRedisHotCacheRoundTrip(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewRedisHotCache(rdb, time.Minute, zerolog.Nop())
	ctx := context.Background()

	mock.ExpectGet("signalrun:price:current:evm:0xabc").RedisNil()
	_, ok := c.Get(ctx, "evm:0xabc")
	assert.False(t, ok)

	reading := providers.PriceReading{
		Price:  2.25,
		Source: "mobula",
		At:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(reading)
	require.NoError(t, err)

	mock.ExpectSet("signalrun:price:current:evm:0xabc", data, time.Minute).SetVal("OK")
	c.Set(ctx, "evm:0xabc", reading)

	mock.ExpectGet("signalrun:price:current:evm:0xabc").SetVal(string(data))
	got, ok := c.Get(ctx, "evm:0xabc")
	require.True(t, ok)
	assert.Equal(t, reading.Price, got.Price)
	assert.Equal(t, reading.Source, got.Source)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHotCacheCorruptEntryIsMiss(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewRedisHotCache(rdb, time.Minute, zerolog.Nop())

	mock.ExpectGet("signalrun:price:current:SOL").SetVal("{not json")
	_, ok := c.Get(context.Background(), "SOL")
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
