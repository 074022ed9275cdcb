package main

import (
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/database/mongoclient"
	"github.com/x-xyz/bidengine/base/database/pebbledb"
	"github.com/x-xyz/bidengine/base/database/redisclient"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/base/metrics"
	bValidator "github.com/x-xyz/bidengine/base/validator"
	"github.com/x-xyz/bidengine/domain"
	"github.com/x-xyz/bidengine/domain/auction"
	domainBalance "github.com/x-xyz/bidengine/domain/balance"
	"github.com/x-xyz/bidengine/domain/bid"
	domainEventstream "github.com/x-xyz/bidengine/domain/eventstream"
	"github.com/x-xyz/bidengine/domain/keys"
	mmiddleware "github.com/x-xyz/bidengine/middleware"
	"github.com/x-xyz/bidengine/service/balance"
	"github.com/x-xyz/bidengine/service/cache"
	"github.com/x-xyz/bidengine/service/cache/provider"
	"github.com/x-xyz/bidengine/service/cache/provider/compound"
	"github.com/x-xyz/bidengine/service/cache/provider/primitive"
	redisProvider "github.com/x-xyz/bidengine/service/cache/provider/redis"
	"github.com/x-xyz/bidengine/service/eventstream"
	"github.com/x-xyz/bidengine/service/gate"
	"github.com/x-xyz/bidengine/service/query"
	"github.com/x-xyz/bidengine/service/redis"
	auction_delivery "github.com/x-xyz/bidengine/stores/auction/delivery/http"
	auction_repository "github.com/x-xyz/bidengine/stores/auction/repository"
	auction_usecase "github.com/x-xyz/bidengine/stores/auction/usecase"
	auth_delivery "github.com/x-xyz/bidengine/stores/auth/delivery/http"
	auth_middleware "github.com/x-xyz/bidengine/stores/auth/delivery/http/middleware"
	auth_usecase "github.com/x-xyz/bidengine/stores/auth/usecase"
	ws_delivery "github.com/x-xyz/bidengine/stores/broadcast/delivery/ws"
	broadcast_usecase "github.com/x-xyz/bidengine/stores/broadcast/usecase"
	hc_delivery "github.com/x-xyz/bidengine/stores/healthcheck/delivery/http"
	hc_repo "github.com/x-xyz/bidengine/stores/healthcheck/repository"
	hc_usecase "github.com/x-xyz/bidengine/stores/healthcheck/usecase"
	"github.com/x-xyz/bidengine/stores/scheduler"
)

func init() {
	pflag.String("config", "infra/configs/config.yaml", "path of the yaml config")
	pflag.Parse()
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		panic(err)
	}

	setDefaults()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(viper.GetString("config"))
	if err := viper.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
		log.Log().WithField("config", viper.GetString("config")).Warn("config file not found, running on defaults")
	}

	log.SetLevel(viper.GetString("log.level"))
	if viper.GetBool(`debug`) {
		log.SetLevel("debug")
		log.Log().Info("Service RUN on DEBUG mode")
	}
}

// setDefaults lets the binary run on the memory backend without any external
// service
func setDefaults() {
	viper.SetDefault("app_name", "bidengine")
	viper.SetDefault("env_name", "local")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.shutdownTimeout", 10*time.Second)
	viper.SetDefault("server.allowedOrigins", []string{})
	viper.SetDefault("log.level", "info")

	viper.SetDefault("store.backend", string(domain.StoreBackendMemory))
	viper.SetDefault("store.pebbleDir", "data/pebble")
	viper.SetDefault("mongo.enableSSL", false)
	viper.SetDefault("mongo.checkIndex", true)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.name", "redis")
	viper.SetDefault("redis.poolMultiplier", 1)

	viper.SetDefault("auth.tokenTtl", 24*time.Hour)

	viper.SetDefault("balance.timeout", 2*time.Second)
	viper.SetDefault("balance.cacheTtl", time.Duration(0))
	viper.SetDefault("balance.fallback", "0")

	viper.SetDefault("engine.lockTimeout", 5*time.Second)
	viper.SetDefault("engine.leaseTtl", 5*time.Second)
	viper.SetDefault("engine.maxConflictRetries", 3)
	viper.SetDefault("engine.conflictBackoff", 10*time.Millisecond)
	viper.SetDefault("engine.storeRetries", 2)
	viper.SetDefault("engine.storeBackoff", 50*time.Millisecond)
	viper.SetDefault("engine.balanceRetries", 1)
	viper.SetDefault("engine.balanceBackoff", 50*time.Millisecond)
	viper.SetDefault("engine.maxCascadeSteps", 64)
	viper.SetDefault("engine.historyLimit", 50)
	viper.SetDefault("engine.redactBidder", false)

	viper.SetDefault("scheduler.interval", time.Minute)
	viper.SetDefault("scheduler.workers", 8)
	viper.SetDefault("scheduler.scanLimit", 500)
	viper.SetDefault("scheduler.timers", true)

	viper.SetDefault("broadcast.bufferSize", 64)
	viper.SetDefault("broadcast.pingInterval", 30*time.Second)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.topic", "auction-events")
	viper.SetDefault("kafka.writeTimeout", 5*time.Second)

	viper.SetDefault("cache.sizeMB", 64)
	viper.SetDefault("cache.snapshotTtl", 2*time.Second)
	viper.SetDefault("cache.listTtl", time.Second)

	viper.SetDefault("http.bidRate", 5)
	viper.SetDefault("http.bidBurst", 10)
}

func main() {
	defer log.Sync()

	// init echo
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	middL := mmiddleware.InitMiddleware()
	e.Use(middL.AddContext())
	e.Use(middL.ResponseLogger())
	e.Use(middleware.CORS())
	e.Validator = bValidator.NewCustomValidator(validator.New())

	context, cancel := ctx.WithCancel(ctx.Background())
	defer cancel()

	// init stores
	var (
		auctionRepo auction.Repo
		bidRepo     bid.Repo
		mongoClient *mongoclient.Client
		pebbleDB    *pebbledb.DB
	)
	backend := domain.StoreBackend(viper.GetString("store.backend"))
	context.WithField("backend", backend).Info("init store")
	switch backend {
	case domain.StoreBackendMongo:
		uri := viper.GetString("mongo.uri")
		authDBName := viper.GetString("mongo.authDBName")
		dbName := viper.GetString("mongo.dbName")
		enableSSL := viper.GetBool("mongo.enableSSL")
		checkIndex := viper.GetBool("mongo.checkIndex")
		mongoClient = mongoclient.MustConnectMongoClient(uri, authDBName, dbName, enableSSL, true, 2)
		q := query.New(mongoClient, checkIndex)
		if err := auction_repository.EnsureAuctionIndexes(context, q); err != nil {
			context.WithField("err", err).Panic("EnsureAuctionIndexes failed")
		}
		if err := auction_repository.EnsureBidIndexes(context, q); err != nil {
			context.WithField("err", err).Panic("EnsureBidIndexes failed")
		}
		auctionRepo = auction_repository.NewAuction(q)
		bidRepo = auction_repository.NewBid(q)
	case domain.StoreBackendPebble:
		pebbleDB = pebbledb.MustOpen(viper.GetString("store.pebbleDir"))
		defer pebbleDB.Close()
		auctionRepo = auction_repository.NewAuctionPebble(pebbleDB)
		bidRepo = auction_repository.NewBidPebble(pebbleDB)
	case domain.StoreBackendMemory:
		auctionRepo = auction_repository.NewAuctionMemory()
		bidRepo = auction_repository.NewBidMemory()
	default:
		context.WithField("backend", backend).Panic("unknown store backend")
	}

	// init Redis service
	var redisService redis.Service
	if viper.GetBool("redis.enabled") {
		context.Info("init redis")
		redisName := viper.GetString("redis.name")
		redisPool := redisclient.MustConnectRedis(viper.GetString("redis.uri"), viper.GetString("redis.password"), redisclient.RedisParam{
			PoolMultiplier: viper.GetFloat64("redis.poolMultiplier"),
			Retry:          true,
		})
		redisService = redis.New(redisName, metrics.New(redisName), &redis.Pools{
			Src: redisPool,
		})
	}

	// snapshot cache, shared through redis when it is enabled
	layers := []provider.Provider{primitive.NewPrimitive("snapshot", viper.GetInt("cache.sizeMB"))}
	if redisService != nil {
		layers = append(layers, redisProvider.NewRedis(redisService))
	}
	snapshotCache := cache.New(cache.ServiceConfig{
		Ttl:   viper.GetDuration("cache.snapshotTtl"),
		Pfx:   keys.PfxSnapshot,
		Cache: compound.NewCompound(layers),
	})

	var producer domainEventstream.Producer = eventstream.NewNoop()
	if viper.GetBool("kafka.enabled") {
		context.Info("init kafka producer")
		producer = eventstream.NewKafka(eventstream.KafkaCfg{
			Brokers:      viper.GetStringSlice("kafka.brokers"),
			Topic:        viper.GetString("kafka.topic"),
			WriteTimeout: viper.GetDuration("kafka.writeTimeout"),
		})
	}
	defer producer.Close()

	balanceProvider := newBalanceProvider(context)

	redact := viper.GetBool("engine.redactBidder")
	hub := broadcast_usecase.New(&broadcast_usecase.HubCfg{
		Redis:        redisService,
		BufferSize:   viper.GetInt("broadcast.bufferSize"),
		RedactBidder: redact,
	})
	sched := scheduler.New(scheduler.Config{
		Interval:  viper.GetDuration("scheduler.interval"),
		Workers:   viper.GetInt("scheduler.workers"),
		ScanLimit: viper.GetInt("scheduler.scanLimit"),
		Timers:    viper.GetBool("scheduler.timers"),
	})

	cfg := &auction_usecase.AuctionUseCaseCfg{
		AuctionRepo: auctionRepo,
		BidRepo:     bidRepo,
		Gate: gate.New(gate.Config{
			LockTimeout: viper.GetDuration("engine.lockTimeout"),
			Redis:       redisService,
			LeaseTtl:    viper.GetDuration("engine.leaseTtl"),
		}),
		Balance:   balanceProvider,
		Publisher: hub,
		Producer:  producer,
		Cache:     snapshotCache,
		Engine: auction_usecase.EngineCfg{
			MaxConflictRetries: viper.GetInt("engine.maxConflictRetries"),
			ConflictBackoff:    viper.GetDuration("engine.conflictBackoff"),
			StoreRetries:       viper.GetInt("engine.storeRetries"),
			StoreBackoff:       viper.GetDuration("engine.storeBackoff"),
			BalanceRetries:     viper.GetInt("engine.balanceRetries"),
			BalanceBackoff:     viper.GetDuration("engine.balanceBackoff"),
			MaxCascadeSteps:    viper.GetInt("engine.maxCascadeSteps"),
			HistoryLimit:       viper.GetInt("engine.historyLimit"),
			RedactBidder:       redact,
		},
	}
	if viper.GetBool("scheduler.timers") {
		cfg.Timer = sched
	}
	auctionUC := auction_usecase.New(cfg)

	hub.SetReader(auctionUC)
	hub.Start(context)
	defer hub.Stop()
	sched.Start(context, auctionUC)
	defer sched.Stop()

	hc := hc_usecase.New(hc_repo.New(mongoClient, pebbleDB, redisService))
	auth := auth_usecase.New(viper.GetString("auth.jwtSecret"), viper.GetDuration("auth.tokenTtl"))
	am := auth_middleware.New(auth)

	var listCache provider.Provider
	if ttl := viper.GetDuration("cache.listTtl"); ttl > 0 {
		listCache = primitive.NewPrimitive("http", viper.GetInt("cache.sizeMB"))
	}

	hc_delivery.New(e, hc)
	auth_delivery.New(e, auth, am)
	auction_delivery.New(e, auctionUC, am, auction_delivery.Config{
		RedactBidder: redact,
		ListCache:    listCache,
		ListCacheTtl: viper.GetDuration("cache.listTtl"),
		BidRate:      viper.GetFloat64("http.bidRate"),
		BidBurst:     viper.GetInt("http.bidBurst"),
	})
	ws_delivery.New(e, hub, auctionUC, am, ws_delivery.Config{
		AllowedOrigins: viper.GetStringSlice("server.allowedOrigins"),
		PingInterval:   viper.GetDuration("broadcast.pingInterval"),
	})

	go func() {
		if err := e.Start(viper.GetString("server.address")); err != nil && err != http.ErrServerClosed {
			log.Log().WithField("err", err).Error("shutting down the server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server.
	// Use a buffered channel to avoid missing signals as recommended for signal.Notify
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-quit
	log.Log().WithField("signal", sig).Info("received signal")

	ctx, cancelShutdown := ctx.WithTimeout(context, viper.GetDuration("server.shutdownTimeout"))
	defer cancelShutdown()
	if err := e.Shutdown(ctx); err != nil {
		log.Log().WithField("err", err).Error("shutting down the server")
	} else {
		log.Log().Info("shutdown server successfully")
	}
}

// newBalanceProvider asks the identity service when balance.baseUrl is set and
// falls back to the static table of the config otherwise
func newBalanceProvider(c ctx.Ctx) domainBalance.Provider {
	if baseUrl := viper.GetString("balance.baseUrl"); baseUrl != "" {
		c.WithField("baseUrl", baseUrl).Info("init balance client")
		return balance.NewClient(&balance.ClientCfg{
			HttpClient: http.Client{},
			BaseUrl:    baseUrl,
			Timeout:    viper.GetDuration("balance.timeout"),
			CacheTtl:   viper.GetDuration("balance.cacheTtl"),
		})
	}

	fallback, err := decimal.NewFromString(viper.GetString("balance.fallback"))
	if err != nil {
		c.WithField("err", err).Panic("invalid balance.fallback")
	}
	balances := map[string]decimal.Decimal{}
	for userId, v := range viper.GetStringMapString("balance.static") {
		d, err := decimal.NewFromString(v)
		if err != nil {
			c.WithFields(log.Fields{"userId": userId, "err": err}).Panic("invalid balance.static entry")
		}
		balances[userId] = d
	}
	c.WithField("users", len(balances)).Warn("no balance service configured, using static balances")
	return balance.NewStatic(balances, fallback)
}
