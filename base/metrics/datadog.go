package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/spf13/viper"

	"github.com/x-xyz/bidengine/base/log"
)

const (
	ddPort = 8125
	// buffer 10 counters before sending to statsd
	bufferMetrics = 10
)

var (
	initOnce sync.Once
	client   statsCli
)

// statsCli is the part of the statsd client the service uses
type statsCli interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Histogram(name string, value float64, tags []string, rate float64) error
	TimeInMilliseconds(name string, value float64, tags []string, rate float64) error
}

// statsClient connects to the agent at datadog_host. Without one every metric
// goes to the debug log.
func statsClient() statsCli {
	initOnce.Do(func() {
		host := viper.GetString("datadog_host")
		if host == "" {
			log.Log().Info("datadog_host not set, metrics go to the debug log")
			client = debugClient{}
			return
		}

		addr := fmt.Sprintf("%s:%d", host, ddPort)
		c, err := statsd.NewBuffered(addr, bufferMetrics)
		if err != nil {
			log.Log().WithFields(log.Fields{"addr": addr, "err": err}).Panic("can't talk to datadog agent")
		}
		log.Log().WithField("addr", addr).Info("connected to datadog agent")
		client = c
	})
	return client
}

// DDMetrics sends metrics with a fixed set of tags
type DDMetrics struct {
	ddTags []string
}

func (dm *DDMetrics) tags(kv []string) []string {
	res := make([]string, 0, len(dm.ddTags)+len(kv)/2)
	res = append(res, dm.ddTags...)
	return append(res, parseTag(kv)...)
}

func (dm *DDMetrics) report(fn, key string, val float64, err error) {
	if err != nil {
		log.Log().WithFields(log.Fields{"err": err, "key": key, "val": val, "func": fn}).Error("Bump fail")
	}
}

// BumpAvg is sent as a gauge, statsd has no plain average
func (dm *DDMetrics) BumpAvg(key string, val, sampleRate float64, tags ...string) {
	dm.report("BumpAvg", key, val, statsClient().Gauge(key, val, dm.tags(tags), sampleRate))
}

func (dm *DDMetrics) BumpSum(key string, val, sampleRate float64, tags ...string) {
	dm.report("BumpSum", key, val, statsClient().Count(key, int64(val), dm.tags(tags), sampleRate))
}

func (dm *DDMetrics) BumpHistogram(key string, val, sampleRate float64, tags ...string) {
	dm.report("BumpHistogram", key, val, statsClient().Histogram(key, val, dm.tags(tags), sampleRate))
}

// BumpTime starts a timer, End sends the elapsed milliseconds
func (dm *DDMetrics) BumpTime(key string, sampleRate float64, tags ...string) Ender {
	return &ddTimeTracker{
		dm:         dm,
		start:      time.Now(),
		key:        key,
		tags:       dm.tags(tags),
		sampleRate: sampleRate,
	}
}

// parseTag turns key, value pairs into statsd tags
func parseTag(kv []string) []string {
	if len(kv)%2 != 0 {
		log.Log().WithField("tags", kv).Panic("tag length needs to be multiple of 2")
	}
	arr := make([]string, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		arr = append(arr, kv[i]+":"+kv[i+1])
	}
	return arr
}

type ddTimeTracker struct {
	dm         *DDMetrics
	start      time.Time
	key        string
	tags       []string
	sampleRate float64
}

func (dt *ddTimeTracker) End() {
	ms := float64(time.Since(dt.start).Microseconds()) / 1000
	dt.dm.report("BumpTime", dt.key, ms, statsClient().TimeInMilliseconds(dt.key, ms, dt.tags, dt.sampleRate))
}

// debugClient logs metrics instead of sending them
type debugClient struct{}

func (debugClient) Gauge(name string, value float64, tags []string, rate float64) error {
	log.Log().WithFields(log.Fields{"key": name, "val": value, "tags": tags}).Debug("metric gauge")
	return nil
}

func (debugClient) Count(name string, value int64, tags []string, rate float64) error {
	log.Log().WithFields(log.Fields{"key": name, "val": value, "tags": tags}).Debug("metric count")
	return nil
}

func (debugClient) Histogram(name string, value float64, tags []string, rate float64) error {
	log.Log().WithFields(log.Fields{"key": name, "val": value, "tags": tags}).Debug("metric histogram")
	return nil
}

func (debugClient) TimeInMilliseconds(name string, value float64, tags []string, rate float64) error {
	log.Log().WithFields(log.Fields{"key": name, "time_ms": value, "tags": tags}).Debug("metric time")
	return nil
}
