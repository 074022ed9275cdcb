package pebbledb

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name   string           `json:"name"`
	Price  decimal.Decimal  `json:"price"`
	Cap    *decimal.Decimal `json:"cap,omitempty"`
	At     time.Time        `json:"at"`
	Hidden bool             `json:"-" cbor:"hidden"`
}

func TestUpperBound(t *testing.T) {
	require.Equal(t, []byte("bid0"), UpperBound([]byte("bid/")))
	require.Equal(t, []byte{0x01}, UpperBound([]byte{0x00, 0xff}))
	require.Nil(t, UpperBound([]byte{0xff, 0xff}))
}

func TestRecordRoundTrip(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ceiling := decimal.RequireFromString("99.95")
	at := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	in := record{Name: "lot", Price: decimal.RequireFromString("10.5"), Cap: &ceiling, At: at, Hidden: true}

	val, err := Marshal(in)
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("rec/1"), val, pebble.Sync))

	out := record{}
	require.NoError(t, db.GetRecord([]byte("rec/1"), &out))
	require.Equal(t, in.Name, out.Name)
	require.True(t, in.Price.Equal(out.Price))
	require.True(t, ceiling.Equal(*out.Cap))
	require.True(t, at.Equal(out.At))
	require.True(t, out.Hidden)

	require.Equal(t, ErrNotFound, db.GetRecord([]byte("rec/2"), &out))

	ok, err := db.Exists([]byte("rec/1"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestScan(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	for _, k := range []string{"a/1", "b/1", "b/2", "b/3", "c/1"} {
		require.NoError(t, db.Set([]byte(k), []byte(k), pebble.Sync))
	}

	got := []string{}
	require.NoError(t, db.Scan([]byte("b/"), func(key, value []byte) (bool, error) {
		got = append(got, string(value))
		return len(got) < 2, nil
	}))
	require.Equal(t, []string{"b/1", "b/2"}, got)
}
