package requisition

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/storeroom-ims/storeroom/internal/stock"
)

func newCacheUnderTest(t *testing.T) (*DetailCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDetailCache(client, time.Minute, slog.Default()), mr
}

func sampleDetail() Detail {
	return Detail{
		Requisition: Requisition{
			ID:         7,
			Number:     "REQ-C-1",
			Kind:       stock.KindChemical,
			Department: "Biology",
			Requester:  "lab-1",
			Status:     StatusPending,
			TotalItems: 1,
		},
		Items: []DetailItem{
			{
				Item: Item{
					ID:                3,
					RequisitionID:     7,
					StockItemID:       1,
					RequestedQuantity: decimal.RequireFromString("5"),
					ApprovedQuantity:  decimal.RequireFromString("5"),
					Unit:              "L",
				},
				StockName:     "Ethanol",
				StockQuantity: decimal.RequireFromString("100"),
			},
		},
	}
}

func TestDetailCacheRoundTrip(t *testing.T) {
	cache, _ := newCacheUnderTest(t)
	ctx := context.Background()

	_, hit := cache.Get(ctx, 7)
	require.False(t, hit)

	cache.Set(ctx, 7, sampleDetail())

	got, hit := cache.Get(ctx, 7)
	require.True(t, hit)
	require.Equal(t, "REQ-C-1", got.Requisition.Number)
	require.Len(t, got.Items, 1)
	require.True(t, got.Items[0].RequestedQuantity.Equal(decimal.RequireFromString("5")))
	require.True(t, got.Items[0].StockQuantity.Equal(decimal.RequireFromString("100")))
}

func TestDetailCacheInvalidate(t *testing.T) {
	cache, _ := newCacheUnderTest(t)
	ctx := context.Background()

	cache.Set(ctx, 7, sampleDetail())
	cache.Invalidate(ctx, 7)

	_, hit := cache.Get(ctx, 7)
	require.False(t, hit)
}

func TestDetailCacheExpires(t *testing.T) {
	cache, mr := newCacheUnderTest(t)
	ctx := context.Background()

	cache.Set(ctx, 7, sampleDetail())
	mr.FastForward(2 * time.Minute)

	_, hit := cache.Get(ctx, 7)
	require.False(t, hit)
}

func TestDetailCacheDropsCorruptPayload(t *testing.T) {
	cache, mr := newCacheUnderTest(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(detailKey(7), "{not json"))

	_, hit := cache.Get(ctx, 7)
	require.False(t, hit)
	require.False(t, mr.Exists(detailKey(7)), "corrupt entry is evicted")
}

func TestDetailCacheNilClientIsNoop(t *testing.T) {
	cache := NewDetailCache(nil, time.Minute, slog.Default())
	ctx := context.Background()

	cache.Set(ctx, 7, sampleDetail())
	cache.Invalidate(ctx, 7)
	_, hit := cache.Get(ctx, 7)
	require.False(t, hit)
}
