package mongoclient

import (
	"context"
	"crypto/tls"
	"errors"
	"runtime"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/x-xyz/bidengine/base/log"
)

const (
	mgSocketTimeout = 60 * time.Second
	connectTimeout  = 10 * time.Second
	minPoolSize     = 4
)

var (
	// ErrNoHosts is returned for a uri without any host
	ErrNoHosts = errors.New("mongo uri has no hosts")
)

// Client wraps mongo.Client
type Client struct {
	DbName string
	*mongo.Client
}

// MustConnectMongoClient returns MongoDB connection client if connected successfully, or it will trigger panic
func MustConnectMongoClient(uri, authDBName, dbName string, ssl, setSafe bool, poolSizeMultiplier float64) *Client {
	cli, err := ConnectMongoClient(uri, authDBName, dbName, ssl, setSafe, poolSizeMultiplier)
	if err != nil {
		log.Log().WithFields(log.Fields{"mongoURI": uri, "err": err}).Panic("fail to dial Mongo")
	}
	return cli
}

// perHostPoolSize spreads NumCPU*multiplier connections over the hosts, each
// host keeps its own pool
func perHostPoolSize(hosts int, multiplier float64) uint64 {
	total := int(float64(runtime.NumCPU()) * multiplier)
	if total < minPoolSize {
		total = minPoolSize
	}
	return uint64((total + hosts - 1) / hosts)
}

// clientOptions builds the driver options. authDBName is only used when the
// uri has credentials but no authSource. With setSafe writes wait for a
// majority of the replica set, which the auction version check relies on.
func clientOptions(uri, authDBName string, ssl, setSafe bool, poolSizeMultiplier float64) (*options.ClientOptions, []string, error) {
	cs, err := connstring.Parse(uri)
	if err != nil {
		return nil, nil, err
	}
	if len(cs.Hosts) == 0 {
		return nil, nil, ErrNoHosts
	}

	opts := options.Client().
		ApplyURI(uri).
		SetSocketTimeout(mgSocketTimeout).
		SetRegistry(NewRegistry()).
		SetRetryWrites(true)

	if cs.Username != "" && cs.AuthSource == "" {
		opts.SetAuth(options.Credential{
			AuthMechanism:           cs.AuthMechanism,
			AuthMechanismProperties: cs.AuthMechanismProperties,
			Username:                cs.Username,
			Password:                cs.Password,
			PasswordSet:             cs.PasswordSet,
			AuthSource:              authDBName,
		})
	}

	poolSize := perHostPoolSize(len(cs.Hosts), poolSizeMultiplier)
	opts.SetMinPoolSize(poolSize / 4).SetMaxPoolSize(poolSize)

	if ssl {
		opts.SetTLSConfig(&tls.Config{})
	}
	if setSafe {
		opts.SetWriteConcern(writeconcern.New(writeconcern.WMajority()))
	}
	return opts, cs.Hosts, nil
}

// ConnectMongoClient connects and checks that dbName can be listed
func ConnectMongoClient(uri, authDBName, dbName string, ssl, setSafe bool, poolSizeMultiplier float64) (*Client, error) {
	opts, hosts, err := clientOptions(uri, authDBName, ssl, setSafe, poolSizeMultiplier)
	if err != nil {
		log.Log().WithFields(log.Fields{"dbName": dbName, "err": err}).Error("invalid mongo uri")
		return nil, err
	}
	logger := log.Log().WithFields(log.Fields{"mongoHosts": hosts, "dbName": dbName})

	c, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := mongo.Connect(c, opts)
	if err != nil {
		logger.WithField("err", err).Error("fail to connect mongo db")
		return nil, err
	}
	if _, err := client.Database(dbName).ListCollectionNames(c, bson.D{}); err != nil {
		logger.WithField("err", err).Error("fail to test mongo db")
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.WithField("maxPoolSize", *opts.MaxPoolSize).Info("mongo connected")
	return &Client{
		Client: client,
		DbName: dbName,
	}, nil
}
