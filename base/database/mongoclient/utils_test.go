package mongoclient

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/x-xyz/bidengine/base/ptr"
)

func TestSelector(t *testing.T) {
	type filter struct {
		SellerId      *string  `bson:"sellerId"`
		CloseNotified *bool    `bson:"closeNotified"`
		Limit         *int32   `bson:"-"`
		Statuses      []string `bson:"-"`
		Title         string   `bson:"title"`
		BidderId      *string  `bson:"bidderId"`
	}

	sel, err := Selector(&filter{
		SellerId:      ptr.String("s1"),
		CloseNotified: ptr.Bool(false),
		Limit:         ptr.Int32(10),
		Statuses:      []string{"active"},
	})
	require.NoError(t, err)
	assert.Equal(t, bson.M{
		"sellerId":      "s1",
		"closeNotified": false,
	}, sel)

	sel, err = Selector(filter{Title: "clock"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"title": "clock"}, sel)

	_, err = Selector("status")
	assert.Error(t, err)
}

func TestDecimalCodec(t *testing.T) {
	type doc struct {
		Price   decimal.Decimal  `bson:"price"`
		Reserve *decimal.Decimal `bson:"reserve"`
		At      time.Time        `bson:"at"`
	}

	reg := NewRegistry()
	in := doc{
		Price:   decimal.RequireFromString("12.345"),
		Reserve: nil,
		At:      time.Unix(1700000000, 0).UTC(),
	}
	raw, err := bson.MarshalWithRegistry(reg, in)
	require.NoError(t, err)

	// stored as Decimal128, not as an empty sub document
	rv, err := bson.Raw(raw).LookupErr("price")
	require.NoError(t, err)
	assert.Equal(t, "12.345", rv.Decimal128().String())

	out := doc{}
	require.NoError(t, bson.UnmarshalWithRegistry(reg, raw, &out))
	assert.True(t, in.Price.Equal(out.Price))
	assert.Nil(t, out.Reserve)

	// legacy documents may carry the amount as a string
	legacy, err := bson.Marshal(bson.M{"price": "7.5"})
	require.NoError(t, err)
	out = doc{}
	require.NoError(t, bson.UnmarshalWithRegistry(reg, legacy, &out))
	assert.Equal(t, "7.5", out.Price.String())
}
