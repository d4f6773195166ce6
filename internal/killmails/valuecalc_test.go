package killmails

import (
	"context"
	"testing"
	"time"

	"killfeed/internal/killmails/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOracle struct {
	prices     map[int64]float64
	blueprints map[int64]bool
}

func (f *fakeOracle) PriceFor(ctx context.Context, typeID int64, targetDate time.Time) (float64, error) {
	return f.prices[typeID], nil
}

func (f *fakeOracle) IsBlueprint(ctx context.Context, typeID int64) (bool, error) {
	return f.blueprints[typeID], nil
}

func TestItemValueLeafSplitsDroppedAndDestroyed(t *testing.T) {
	vc := &ValueCalculator{prices: &fakeOracle{prices: map[int64]float64{100: 10}}}

	dropped, destroyed, err := vc.itemValue(context.Background(), models.Item{
		ItemTypeID: 100, Quantity: 3, Dropped: true,
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 30.0, dropped)
	assert.Equal(t, 0.0, destroyed)

	dropped, destroyed, err = vc.itemValue(context.Background(), models.Item{
		ItemTypeID: 100, Quantity: 2, Destroyed: true,
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.0, dropped)
	assert.Equal(t, 20.0, destroyed)
}

func TestItemValueContainerContributesOnlyChildren(t *testing.T) {
	vc := &ValueCalculator{prices: &fakeOracle{prices: map[int64]float64{200: 5, 201: 7}}}

	container := models.Item{
		ItemTypeID: 999,
		Items: []models.Item{
			{ItemTypeID: 200, Quantity: 1, Dropped: true},
			{ItemTypeID: 201, Quantity: 1, Destroyed: true},
		},
	}
	dropped, destroyed, err := vc.itemValue(context.Background(), container, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 5.0, dropped)
	assert.Equal(t, 7.0, destroyed)
}

func TestPriceAtBlueprintUsesFixedBasePrice(t *testing.T) {
	vc := &ValueCalculator{prices: &fakeOracle{
		prices:     map[int64]float64{42: 999999},
		blueprints: map[int64]bool{42: true},
	}}
	price, err := vc.priceAt(context.Background(), 42, time.Now())
	require.NoError(t, err)
	assert.Equal(t, blueprintBasePrice, price)
}

func TestUnitPriceBlueprintCopyDividesBaseBy100(t *testing.T) {
	vc := &ValueCalculator{prices: &fakeOracle{
		prices:     map[int64]float64{42: 1000},
		blueprints: map[int64]bool{42: true},
	}}
	price, err := vc.unitPrice(context.Background(), 42, singletonBlueprintCopy, time.Now())
	require.NoError(t, err)
	assert.Equal(t, blueprintBasePrice/100, price)
}

func TestUnitPriceNonBlueprintCopyFlagIgnored(t *testing.T) {
	vc := &ValueCalculator{prices: &fakeOracle{prices: map[int64]float64{7: 500}}}
	price, err := vc.unitPrice(context.Background(), 7, singletonBlueprintCopy, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 500.0, price)
}
