package repository

import (
	"time"

	"github.com/cockroachdb/pebble"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/database/mongoclient"
	"github.com/x-xyz/bidengine/base/database/pebbledb"
	"github.com/x-xyz/bidengine/base/log"
	hcdomain "github.com/x-xyz/bidengine/domain/healthcheck"
	"github.com/x-xyz/bidengine/domain/keys"
	"github.com/x-xyz/bidengine/service/redis"
)

const pingTimeout = 2 * time.Second

type probe func(c ctx.Ctx) error

type impl struct {
	probes map[string]probe
}

// New probes the backends that are configured, nil ones are left out
func New(
	mgoClient *mongoclient.Client,
	pebbleDB *pebbledb.DB,
	redisCache redis.Service,
) hcdomain.HealthCheckRepo {
	probes := map[string]probe{}
	key := keys.RedisKey(keys.PfxHealthCheck, "testset")

	if mgoClient != nil {
		probes["mongo"] = func(c ctx.Ctx) error {
			return mgoClient.Ping(c, readpref.Primary())
		}
	}
	if pebbleDB != nil {
		probes["pebble"] = func(c ctx.Ctx) error {
			return pebbleDB.Set([]byte(key), []byte("1"), pebble.NoSync)
		}
	}
	if redisCache != nil {
		probes["redis"] = func(c ctx.Ctx) error {
			return redisCache.Set(c, key, []byte("1"), 30*time.Second)
		}
	}
	return &impl{probes: probes}
}

func (im *impl) Ping(c ctx.Ctx) map[string]error {
	c, cancel := ctx.WithTimeout(c, pingTimeout)
	defer cancel()

	res := make(map[string]error, len(im.probes))
	for name, p := range im.probes {
		err := p(c)
		if err != nil {
			c.WithFields(log.Fields{"backend": name, "err": err}).Error("health probe failed")
		}
		res[name] = err
	}
	return res
}
