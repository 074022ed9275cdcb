package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedisKey(t *testing.T) {
	require.Equal(t, "auctionLease:a1", RedisKey(PfxAuctionLease, "a1"))
	require.Equal(t, "a-b-c", CustomKey("-", "a", "b", "c"))
}

func TestGetPrefix(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"plain", ""},
		{"snapshot:a1", "snapshot"},
		{"httpCache:GET:/auctions", "httpCache:GET"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, GetPrefix(c.key), c.key)
	}
}

func TestMD5(t *testing.T) {
	require.Equal(t, "900150983cd24fb0d6963f7d28e17f72", MD5("abc"))
	require.Len(t, MD5("auction:bidder"), 32)
}
