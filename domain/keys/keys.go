package keys

import (
	"crypto/md5"
	"fmt"
	"strings"
)

const (
	// PfxHealthCheck is used for prefixing health check redis key
	PfxHealthCheck = "healthcheck"
	// PfxAuctionLease is used for prefixing the per auction write lease
	PfxAuctionLease = "auctionLease"
	// PfxSnapshot is used for prefixing cached auction snapshots
	PfxSnapshot = "snapshot"
	// PfxHttpCache is used for prefixing cached http responses
	PfxHttpCache = "httpCache"

	// ChannelAuctionEvents is the pub/sub channel relaying room events across instances
	ChannelAuctionEvents = "auction-events"
)

// MD5 hashes the data with md5
func MD5(data string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(data)))
}

// CustomKey is used to join the customized key by componets with specified delimiter
func CustomKey(delimiter string, components ...string) string {
	return strings.Join(components, delimiter)
}

// RedisKey is used to join the redis key by componets
func RedisKey(components ...string) string {
	return CustomKey(":", components...)
}

// GetPrefix extracts the prefix of a key, at most two components deep.
func GetPrefix(key string) string {
	s := strings.Split(key, ":")
	if len(s) > 2 {
		return strings.Join([]string{s[0], s[1]}, ":")
	} else if len(s) > 1 {
		return s[0]
	}
	return ""
}
