package query

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/database/mongoclient"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/base/metrics"
	"github.com/x-xyz/bidengine/domain"
)

const (
	queryMaxTime  = 20 * time.Second
	slowThreshold = 500 * time.Millisecond
)

var (
	timeNow = time.Now
	met     = metrics.New("query")
)

type impl struct {
	client     *mongoclient.Client
	checkIndex bool
}

// New initializes an impl
func New(client *mongoclient.Client, checkIndex bool) Mongo {
	return &impl{
		client:     client,
		checkIndex: checkIndex,
	}
}

func (im *impl) coll(table domain.Table) *mongo.Collection {
	return im.client.Database(im.client.DbName).Collection(string(table))
}

// observe times one call and logs it when slow. The returned ctx carries the
// table and selector for the error logs of the call.
func (im *impl) observe(c ctx.Ctx, table domain.Table, action string, selector interface{}) (ctx.Ctx, func()) {
	start := timeNow()
	timer := met.BumpTime("time", "func", action, "table", string(table))
	c = ctx.WithValues(c, map[string]interface{}{
		"table":    table,
		"action":   action,
		"selector": selector,
	})
	return c, func() {
		timer.End()
		if elapsed := timeNow().Sub(start); elapsed >= slowThreshold {
			met.BumpSum("mongo.slowlog", 1, "table", string(table), "action", action)
			c.WithFields(log.Fields{
				"startTime":  start.Unix(),
				"durationMs": elapsed.Milliseconds(),
			}).Warn("mongo slowlog")
		}
	}
}

func (im *impl) logerr(c ctx.Ctx, msg string, err error) {
	if _, ok := err.(topology.ConnectionError); ok {
		met.BumpSum("conn.err", 1.0)
	}
	c.WithFields(log.Fields{"err": err}).Error(msg)
}

func (im *impl) Insert(c ctx.Ctx, table domain.Table, doc interface{}) error {
	c, done := im.observe(c, table, "insert", nil)
	defer done()

	if _, err := im.coll(table).InsertOne(c, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		im.logerr(c, "InsertOne failed", err)
		return err
	}
	return nil
}

func (im *impl) FindOne(c ctx.Ctx, table domain.Table, selector, result interface{}) error {
	c, done := im.observe(c, table, "findone", selector)
	defer done()

	if err := im.checkQueryIndex(c, table, "find", bson.E{Key: "filter", Value: selector}); err != nil {
		return err
	}

	res := im.coll(table).FindOne(c, selector, options.FindOne().SetMaxTime(queryMaxTime))
	if err := res.Decode(result); err != nil {
		if err == mongo.ErrNoDocuments {
			return ErrNotFound
		}
		im.logerr(c, "FindOne failed", err)
		return err
	}
	return nil
}

func (im *impl) Count(c ctx.Ctx, table domain.Table, selector interface{}) (int, error) {
	c, done := im.observe(c, table, "count", selector)
	defer done()

	if err := im.checkQueryIndex(c, table, "count", bson.E{Key: "query", Value: selector}); err != nil {
		return 0, err
	}

	n, err := im.coll(table).CountDocuments(c, selector, options.Count().SetMaxTime(queryMaxTime))
	if err != nil {
		im.logerr(c, "CountDocuments failed", err)
		return 0, err
	}
	return int(n), nil
}

func (im *impl) Distinct(c ctx.Ctx, table domain.Table, field string, selector interface{}) ([]interface{}, error) {
	c, done := im.observe(c, table, "distinct", selector)
	defer done()

	res, err := im.coll(table).Distinct(c, field, selector, options.Distinct().SetMaxTime(queryMaxTime))
	if err != nil {
		im.logerr(c, "Distinct failed", err)
		return nil, err
	}
	return res, nil
}

func (im *impl) Replace(c ctx.Ctx, table domain.Table, selector, replacement interface{}) error {
	c, done := im.observe(c, table, "replace", selector)
	defer done()

	res, err := im.coll(table).ReplaceOne(c, selector, replacement)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		im.logerr(c, "ReplaceOne failed", err)
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func sortKeys(fields ...string) bson.D {
	res := bson.D{}
	for _, f := range fields {
		if f == "" {
			continue
		}
		if strings.HasPrefix(f, "-") {
			res = append(res, bson.E{Key: f[1:], Value: -1})
		} else {
			res = append(res, bson.E{Key: f, Value: 1})
		}
	}
	return res
}

func (im *impl) Search(c ctx.Ctx, table domain.Table, offset, limit int, sort []string, selector, results interface{}) error {
	c, done := im.observe(c, table, "search", selector)
	defer done()

	if err := im.checkQueryIndex(c, table, "find", bson.E{Key: "filter", Value: selector}); err != nil {
		return err
	}

	opts := options.Find().SetMaxTime(queryMaxTime).SetSkip(int64(offset)).SetLimit(int64(limit))
	if keys := sortKeys(sort...); len(keys) > 0 {
		opts.SetSort(keys)
	}
	cursor, err := im.coll(table).Find(c, selector, opts)
	if err != nil {
		im.logerr(c, "Find failed", err)
		return err
	}
	defer cursor.Close(c)

	if err := cursor.All(c, results); err != nil {
		im.logerr(c, "cursor.All failed", err)
		return err
	}
	return nil
}

func (im *impl) Patch(c ctx.Ctx, table domain.Table, selector, update interface{}, ops ...PatchOp) error {
	c, done := im.observe(c, table, "update", selector)
	defer done()

	o := &patchOp{}
	for _, opt := range ops {
		opt(o)
	}

	var (
		res *mongo.UpdateResult
		err error
	)
	updater := bson.M{"$set": update}
	if o.patchMany {
		res, err = im.coll(table).UpdateMany(c, selector, updater)
	} else {
		res, err = im.coll(table).UpdateOne(c, selector, updater)
	}
	if err != nil {
		im.logerr(c, "Patch failed", err)
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (im *impl) EnsureIndexes(c ctx.Ctx, table domain.Table, indexes []Index) error {
	if len(indexes) == 0 {
		return nil
	}

	models := make([]mongo.IndexModel, 0, len(indexes))
	for _, idx := range indexes {
		models = append(models, mongo.IndexModel{
			Keys:    sortKeys(idx.Keys...),
			Options: options.Index().SetUnique(idx.Unique),
		})
	}
	if _, err := im.coll(table).Indexes().CreateMany(c, models); err != nil {
		im.logerr(c, "Indexes.CreateMany failed", err)
		return err
	}
	return nil
}

// checkQueryIndex asks the planner how query would run and refuses a
// collection scan
func (im *impl) checkQueryIndex(c ctx.Ctx, table domain.Table, action string, query bson.E) error {
	if !im.checkIndex {
		return nil
	}
	// reference: https://docs.mongodb.com/manual/reference/command/explain/
	res := im.client.Database(im.client.DbName).RunCommand(c, bson.D{
		{Key: "explain", Value: bson.D{{Key: action, Value: string(table)}, query}},
		{Key: "verbosity", Value: "queryPlanner"},
	})

	var m bson.M
	if err := res.Decode(&m); err != nil {
		c.WithField("err", err).Warn("checkQueryIndex decode failed")
		met.BumpSum("checkQueryIndex.err", float64(1))
		return nil
	}

	// the plan layout differs between server versions, look for the stage name
	// anywhere in it
	if strings.Contains(fmt.Sprintf("%v", m), "COLLSCAN") {
		c.Warn("COLLSCAN")
		return ErrCollScan
	}
	return nil
}
