package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"abepay.com/internal/bridge/config"
	"abepay.com/internal/bridge/handler"
	bhttp "abepay.com/internal/bridge/http"
	"abepay.com/internal/bridge/journal"
	"abepay.com/internal/brokerage"
	"abepay.com/internal/deposit/domain"
	"abepay.com/internal/deposit/events"
	"abepay.com/internal/deposit/repo/memory"
	depositmysql "abepay.com/internal/deposit/repo/mysql"
	"abepay.com/internal/deposit/service"
	"abepay.com/internal/mpesa"
	"abepay.com/pkg/logger"
	"abepay.com/pkg/metrics"
	"abepay.com/pkg/orm"
	"abepay.com/pkg/ratelimit"
	"abepay.com/pkg/safe"
	"abepay.com/pkg/xredis"
)

// App owns the bridge's dependencies from Build until cleanup.
type App struct {
	cfg   *config.BridgeConfig
	rates *domain.RateBook

	db      *gorm.DB
	rdb     *redis.Client
	bus     events.Broker
	sink    *events.InfluxSink
	gateway *mpesa.Client
	broker  *brokerage.Client
	engine  *service.Engine
	journal *journal.Journal
}

func New(cfg *config.BridgeConfig) *App {
	return &App{cfg: cfg, rates: &domain.RateBook{}}
}

// Build connects every dependency and returns the API server. cleanup releases them in
// reverse order once the server has stopped.
func (a *App) Build(ctx context.Context) (srv *http.Server, cleanup func(), err error) {
	cfg := a.cfg
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	rates, err := cfg.Deposit.Rates()
	if err != nil {
		return nil, nil, err
	}
	limits, err := cfg.Deposit.Limits()
	if err != nil {
		return nil, nil, err
	}
	a.rates.Set(rates)

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := a.openRedis(); err != nil {
		return nil, nil, err
	}
	var sqlDB *sql.DB
	if a.db != nil {
		sqlDB, _ = a.db.DB()
	}
	safe.GoCtx(ctx, func(ctx context.Context) { metrics.CollectPools(ctx, sqlDB, a.rdb, 15*time.Second) })

	pub, err := a.openEvents(ctx)
	if err != nil {
		return nil, nil, err
	}

	gwOpts := []mpesa.Option{
		mpesa.WithBreakers(ratelimit.NewManager(cfg.Breaker.Default, cfg.Breaker.Rules, mpesa.IsUnavailable)),
	}
	engineOpts := []service.EngineOption{service.WithPublisher(pub)}
	if a.rdb != nil {
		gwOpts = append(gwOpts, mpesa.WithTokenCache(mpesa.NewRedisTokenCache(a.rdb, cfg.Redis.TokenPrefix)))
		engineOpts = append(engineOpts, service.WithSharedLocker(service.NewRedisLocker(a.rdb, cfg.Redis.LockPrefix, cfg.Redis.LockTTL)))
	} else {
		gwOpts = append(gwOpts, mpesa.WithTokenCache(mpesa.NewMemoryTokenCache()))
	}
	a.gateway = mpesa.NewClient(cfg.Mpesa, gwOpts...)
	a.broker = brokerage.NewClient(cfg.Brokerage,
		brokerage.WithBreakers(ratelimit.NewManager(cfg.Breaker.Default, cfg.Breaker.Rules, brokerage.IsConnectFailure)))

	a.engine = service.NewEngine(store, a.broker, engineOpts...)
	a.engine.RefreshAttentionGauge(ctx)
	initiator := service.NewInitiator(a.gateway, a.engine, a.rates, limits, cfg.Mpesa.PhoneFormat(), cfg.Mpesa.CallbackURL)

	// a bad agent token should show up at boot, not on the first paid deposit
	safe.GoCtx(ctx, a.warmUpBrokerage)

	webhook := &handler.Webhook{Engine: a.engine, Timeout: cfg.HTTP.WebhookTimeout}
	if err := a.openJournal(ctx, webhook); err != nil {
		return nil, nil, err
	}

	srv = bhttp.NewServer(ctx, cfg, bhttp.Handlers{
		Deposit: &handler.Deposit{Initiator: initiator, Deposits: a.engine},
		Webhook: webhook,
		Admin:   &handler.Admin{Engine: a.engine, Gateway: a.gateway},
	})
	return srv, a.close, nil
}

// OnConfigChange applies the parts of a reloaded config that are safe to swap live.
// Rates are the only ones; a deposit keeps the rate it was quoted at.
func (a *App) OnConfigChange(next interface{}) {
	cfg, ok := next.(*config.BridgeConfig)
	if !ok {
		return
	}
	rates, err := cfg.Deposit.Rates()
	if err != nil {
		logger.Error(context.Background(), "ignoring reloaded rates", zap.Error(err))
		return
	}
	a.rates.Set(rates)
	logger.Info(context.Background(), "conversion rates updated",
		zap.String("deposit_rate", rates.Deposit.String()),
		zap.String("withdraw_rate", rates.Withdraw.String()))
}

func (a *App) openStore(ctx context.Context) (domain.Store, error) {
	sc := a.cfg.Store
	if sc.Driver != "mysql" {
		logger.Warn(ctx, "using the in-memory deposit store; deposits are lost on restart")
		return memory.New(), nil
	}
	db, err := orm.NewMySQL(&sc.MySQL)
	if err != nil {
		return nil, err
	}
	a.db = db
	repo := depositmysql.New(db)
	if sc.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate deposit tables: %w", err)
		}
	}
	return repo, nil
}

func (a *App) openRedis() error {
	if !a.cfg.Redis.Enabled() {
		return nil
	}
	rdb, err := xredis.NewRedis(&a.cfg.Redis.Config)
	if err != nil {
		return err
	}
	a.rdb = rdb
	return nil
}

// openEvents picks the broker (NATS when configured) and adds the influx sink.
func (a *App) openEvents(ctx context.Context) (events.Publisher, error) {
	ec := a.cfg.Events
	if ec.NatsURL != "" {
		nb, err := events.NewNatsBroker(ec.NatsURL, ec.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.bus = nb
	} else {
		a.bus = events.NewMemBroker()
	}
	pub := events.Fanout{events.NewBusPublisher(a.bus)}
	if ec.Influx.URL != "" {
		a.sink = events.NewInfluxSink(ec.Influx)
		pub = append(pub, a.sink)
	}

	bus := a.bus
	safe.GoCtx(ctx, func(ctx context.Context) {
		err := events.Watch(ctx, bus, []string{events.TopicAttention, events.TopicOrphan}, events.LogOperatorEvents)
		if err != nil && ctx.Err() == nil {
			logger.Error(ctx, "operator event watch stopped", zap.Error(err))
		}
	})
	return pub, nil
}

// openJournal replays what the last run journaled but may not have processed, then
// starts journaling live webhooks.
func (a *App) openJournal(ctx context.Context, webhook *handler.Webhook) error {
	path := a.cfg.Store.JournalPath
	if path == "" {
		return nil
	}
	replayed, failed, err := journal.Recover(ctx, path, webhook.Replay)
	if err != nil {
		return err
	}
	if replayed > 0 || failed > 0 {
		logger.Info(ctx, "webhook journal replayed", zap.Int("replayed", replayed), zap.Int("failed", failed))
	}
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	a.journal = j
	webhook.Journal = j
	return nil
}

func (a *App) warmUpBrokerage(ctx context.Context) {
	auth, err := a.broker.Authenticate(ctx)
	if err != nil {
		logger.Error(ctx, "brokerage warm-up failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "brokerage authorized",
		zap.String("login_id", auth.LoginID),
		zap.String("currency", auth.Currency),
		zap.String("balance", auth.Balance.String()))
}

func (a *App) close() {
	if a.journal != nil {
		_ = a.journal.Close()
	}
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if a.sink != nil {
		a.sink.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = orm.Close(a.db)
	}
}
