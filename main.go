package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"tradelink/config"
	"tradelink/database"
	"tradelink/errcode"
	"tradelink/event"
	"tradelink/exchange"
	"tradelink/lock"
	"tradelink/logger"
	"tradelink/metrics"
	"tradelink/recon"
	"tradelink/registry"
	"tradelink/web"

	// 交易所适配器通过 init 注册到工厂
	_ "tradelink/exchange/bitmex"
	_ "tradelink/exchange/bybit"
	_ "tradelink/exchange/deribit"
)

// Version 版本号
var Version = "1.2.0"

// app 应用上下文：所有组件在启动时显式构造，关停时按序拆除
type app struct {
	cfg       *config.Config
	db        database.Database
	dlock     lock.DistributedLock
	bus       *event.EventBus
	center    *event.EventCenter
	reg       *registry.Registry
	engine    *recon.Engine
	pm        *metrics.PrometheusMetrics
	collector *metrics.SystemMetricsCollector

	exchanges map[string]exchange.Exchange

	mu       sync.RWMutex
	accounts map[string]int64 // 交易所 -> 账户ID
}

func (a *app) accountFor(market string) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.accounts[market]
}

func (a *app) setAccount(market string, id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts[market] = id
}

// streamHandler 把适配器的归一化推送接入注册表、账本和事件总线
type streamHandler struct {
	app *app
}

func (h *streamHandler) OnInstrument(inst *exchange.Instrument) {
	h.app.reg.UpsertInstrument(inst)
}

func (h *streamHandler) OnExecution(exec *exchange.Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	account := h.app.accountFor(exec.Market)
	if _, err := h.app.engine.IngestExecution(ctx, exec, account, "stream"); err != nil {
		logger.Error("❌ [%s] 成交入账失败 %s: %v", exec.Market, exec.ExecID, err)
	}
}

func (h *streamHandler) OnOrder(order *exchange.Order) {
	eventType := event.EventTypeOrderPlaced
	switch order.Status {
	case exchange.OrderStatusNew, exchange.OrderStatusPartiallyFilled:
		h.app.reg.Orders.Put(order)
	case exchange.OrderStatusReplaced:
		h.app.reg.Orders.Put(order)
		eventType = event.EventTypeOrderReplaced
	case exchange.OrderStatusFilled:
		h.app.reg.Orders.Remove(order.ClOrdID)
		eventType = event.EventTypeOrderFilled
	case exchange.OrderStatusCanceled:
		h.app.reg.Orders.Remove(order.ClOrdID)
		eventType = event.EventTypeOrderCanceled
	default:
		h.app.reg.Orders.Put(order)
	}

	h.app.pm.RecordOrder(order.Market, order.Symbol, string(order.Side), "stream", string(order.Status))
	h.app.bus.Publish(&event.Event{Type: eventType, Data: map[string]interface{}{
		"exchange": order.Market,
		"symbol":   order.Symbol,
		"clordid":  order.ClOrdID,
		"status":   string(order.Status),
	}})
}

func (h *streamHandler) OnAccount(acc *exchange.Account) {
	h.app.reg.UpsertAccount(acc)
}

func (h *streamHandler) OnPosition(pos *exchange.Position) {
	h.app.reg.UpsertPosition(pos)
}

func (h *streamHandler) OnKline(k *exchange.Kline) {
	logger.Debug("K线 %s %s %dm close=%s", k.Symbol, k.Category, k.Timeframe, k.Close)
}

func (h *streamHandler) KnownOrderID(orderID string) bool {
	return h.app.reg.Orders.KnownOrderID(orderID)
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("TradeLink Connectivity Core\nVersion: %s\n", Version)
		os.Exit(0)
	}

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("❌ 加载配置失败: %v", err)
	}
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	if cfg.System.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.System.Timezone); err == nil {
			logger.SetLocation(loc)
		} else {
			logger.Warn("⚠️ 加载时区 %s 失败: %v", cfg.System.Timezone, err)
		}
	}

	logger.Info("🚀 TradeLink 启动, 版本 %s", Version)

	a, err := buildApp(cfg)
	if err != nil {
		logger.Fatal("❌ 初始化失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 每个交易所独立启动：快照装载、对账、推送订阅
	var wg sync.WaitGroup
	for name, ex := range a.exchanges {
		wg.Add(1)
		go func(name string, ex exchange.Exchange) {
			defer wg.Done()
			if err := a.startExchange(ctx, ex); err != nil {
				// 对账未完成前不允许交易
				ex.Level().Escalate(errcode.SeverityShutdown)
				a.pm.SetFatalLevel(name, int32(ex.Level().Load()))
				logger.Error("🛑 [%s] 启动失败, 交易已禁用: %v", name, err)
				a.bus.Publish(&event.Event{Type: event.EventTypeFatalAlert, Data: map[string]interface{}{
					"exchange": name,
					"message":  err.Error(),
				}})
			}
		}(name, ex)
	}
	wg.Wait()

	exchanges := make([]exchange.Exchange, 0, len(a.exchanges))
	for _, ex := range a.exchanges {
		exchanges = append(exchanges, ex)
	}
	server := web.NewServer(web.Options{
		Config:    cfg,
		Registry:  a.reg,
		DB:        a.db,
		Exchanges: exchanges,
	})
	server.Start()

	// 配置热更新：只接管日志级别，交易所和品种变更需要重启
	watcher, err := config.NewConfigWatcher(configPath, func(newCfg *config.Config) {
		logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
		logger.Info("✅ 配置已重载, 日志级别 %s", newCfg.System.LogLevel)
	})
	if err != nil {
		logger.Warn("⚠️ 配置监听不可用: %v", err)
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 配置监听启动失败: %v", err)
	}

	a.bus.Publish(&event.Event{Type: event.EventTypeSystemStart, Data: map[string]interface{}{
		"version": Version,
	}})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("🛑 收到信号 %s, 开始关停", sig)

	a.bus.Publish(&event.Event{Type: event.EventTypeSystemStop, Data: nil})
	cancel()

	for name, ex := range a.exchanges {
		ex.StopStreams()
		logger.Info("🧹 [%s] 推送会话已关闭", name)
	}
	server.Stop(context.Background())
	if watcher != nil {
		watcher.Stop()
	}
	a.teardown()
	logger.Info("✅ TradeLink 已退出")
}

// buildApp 按依赖顺序构造应用上下文
func buildApp(cfg *config.Config) (*app, error) {
	db, err := database.NewDatabase(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("数据库初始化失败: %w", err)
	}

	dlock, err := lock.NewDistributedLock(&lock.Config{
		Enabled:    cfg.DistributedLock.Enabled,
		Prefix:     cfg.DistributedLock.Prefix,
		DefaultTTL: time.Duration(cfg.DistributedLock.DefaultTTL) * time.Second,
		Redis: lock.RedisConfig{
			Addr:     cfg.DistributedLock.Redis.Addr,
			Password: cfg.DistributedLock.Redis.Password,
			DB:       cfg.DistributedLock.Redis.DB,
			PoolSize: cfg.DistributedLock.Redis.PoolSize,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("分布式锁初始化失败: %w", err)
	}

	bus := event.NewEventBus(1000)
	center := event.NewEventCenter(db, bus, nil, &event.EventCenterConfig{
		Enabled:         true,
		CleanupInterval: 24,
		Retention: event.RetentionConfig{
			CriticalDays: 90, WarningDays: 30, InfoDays: 7,
			CriticalMaxCount: 10000, WarningMaxCount: 20000, InfoMaxCount: 50000,
		},
	})
	if err := center.Start(); err != nil {
		return nil, fmt.Errorf("事件中心启动失败: %w", err)
	}

	marks, err := recon.LoadWatermarks(cfg.Trading.CheckpointFile)
	if err != nil {
		return nil, fmt.Errorf("回填检查点装载失败: %w", err)
	}

	a := &app{
		cfg:       cfg,
		db:        db,
		dlock:     dlock,
		bus:       bus,
		center:    center,
		reg:       registry.NewRegistry(),
		pm:        metrics.GetPrometheusMetrics(),
		exchanges: make(map[string]exchange.Exchange),
		accounts:  make(map[string]int64),
	}
	a.engine = recon.NewEngine(recon.Options{
		DB:         db,
		Registry:   a.reg,
		Watermarks: marks,
		Bus:        bus,
		BatchLimit: cfg.Trading.HistoryBatchSize,
	})

	handler := &streamHandler{app: a}
	for cfgName, exCfg := range cfg.Exchanges {
		if !exCfg.Enabled {
			continue
		}
		name, err := canonicalExchange(cfgName)
		if err != nil {
			return nil, err
		}
		ex, err := exchange.New(name, &exchange.Config{
			APIKey:       exCfg.APIKey,
			SecretKey:    exCfg.SecretKey,
			ClientID:     exCfg.ClientID,
			Testnet:      exCfg.Testnet,
			Timeout:      time.Duration(cfg.Trading.RequestTimeout) * time.Second,
			MaxRetry:     cfg.Trading.MaxRetry,
			PingInterval: time.Duration(cfg.Trading.PingInterval) * time.Second,
		}, &exchange.Deps{Handler: handler, Bus: bus})
		if err != nil {
			return nil, fmt.Errorf("交易所 %s 创建失败: %w", name, err)
		}
		a.exchanges[name] = ex
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewSystemMetricsCollector(time.Duration(cfg.Metrics.CollectInterval) * time.Second)
		collector.OnCPUHigh = func(percent, threshold float64) {
			bus.Publish(&event.Event{Type: event.EventTypeSystemCPUHigh, Data: map[string]interface{}{
				"percent": percent, "threshold": threshold,
			}})
		}
		collector.OnMemoryHigh = func(percent, threshold float64) {
			bus.Publish(&event.Event{Type: event.EventTypeSystemMemoryHigh, Data: map[string]interface{}{
				"percent": percent, "threshold": threshold,
			}})
		}
		collector.Start()
		a.collector = collector
	}

	return a, nil
}

// canonicalExchange 把配置里的名称对到工厂注册名（大小写不敏感）
func canonicalExchange(name string) (string, error) {
	for _, registered := range exchange.Names() {
		if strings.EqualFold(registered, name) {
			return registered, nil
		}
	}
	return "", fmt.Errorf("不支持的交易所: %s (可用: %s)", name, strings.Join(exchange.Names(), ", "))
}

// startExchange 单个交易所的启动序列
// 品种、资金、持仓并发拉取后合流；对账完成前不开启推送和交易
func (a *app) startExchange(ctx context.Context, ex exchange.Exchange) error {
	market := ex.Name()

	instruments, err := ex.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("品种拉取失败: %w", err)
	}
	for _, inst := range instruments {
		a.reg.UpsertInstrument(inst)
	}
	logger.Info("✅ [%s] 已装载 %d 个品种", market, len(instruments))

	subscribed, err := a.subscribedInstruments(market, instruments)
	if err != nil {
		return err
	}

	// 资金和持仓并发拉取，任一失败都算该交易所未就绪
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		accounts, err := ex.Wallet(ctx)
		if err != nil {
			errCh <- fmt.Errorf("资金拉取失败: %w", err)
			return
		}
		for _, acc := range accounts {
			a.reg.UpsertAccount(acc)
		}
		if len(accounts) > 0 {
			a.setAccount(market, accounts[0].AccountID)
		}
	}()
	go func() {
		defer wg.Done()
		positions, err := ex.Positions(ctx)
		if err != nil {
			errCh <- fmt.Errorf("持仓拉取失败: %w", err)
			return
		}
		for _, pos := range positions {
			a.reg.UpsertPosition(pos)
		}
	}()
	wg.Wait()
	if err := drainErrors(errCh); err != nil {
		return err
	}

	// 多实例部署时对账在分布式锁下执行，保护账本和检查点
	lockKey := "recon:" + market
	lockTTL := 2 * time.Minute
	if err := a.dlock.Lock(ctx, lockKey, lockTTL); err != nil {
		return fmt.Errorf("对账锁获取失败: %w", err)
	}
	reconErr := a.engine.Run(ctx, ex, subscribed, a.accountFor(market))
	if err := a.dlock.Unlock(context.Background(), lockKey); err != nil {
		logger.Warn("⚠️ [%s] 对账锁释放失败: %v", market, err)
	}
	if reconErr != nil {
		return reconErr
	}

	if err := ex.StartStreams(ctx, subscribed); err != nil {
		return fmt.Errorf("推送会话建立失败: %w", err)
	}
	a.subscribeKlines(ctx, ex)

	logger.Info("✅ [%s] 就绪, 交易已启用", market)
	return nil
}

// drainErrors 收拢并发启动步骤的全部错误，两个都失败时一个也不丢
func drainErrors(ch chan error) error {
	close(ch)
	var errs []error
	for err := range ch {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// subscribedInstruments 把配置的品种对到交易所品种定义
// 配置了未知品种属于致命配置错误
func (a *app) subscribedInstruments(market string, instruments []*exchange.Instrument) ([]*exchange.Instrument, error) {
	byKey := make(map[string]*exchange.Instrument, len(instruments))
	for _, inst := range instruments {
		byKey[inst.Symbol+"|"+string(inst.Category)] = inst
	}

	var out []*exchange.Instrument
	for _, sc := range a.cfg.SymbolsFor(market) {
		inst, ok := byKey[sc.Symbol+"|"+sc.Category]
		if !ok {
			return nil, fmt.Errorf("配置的品种在交易所不存在: %s (%s)", sc.Symbol, sc.Category)
		}
		out = append(out, inst)
	}
	return out, nil
}

// subscribeKlines 按品种配置订阅K线推送，并预热历史K线
func (a *app) subscribeKlines(ctx context.Context, ex exchange.Exchange) {
	market := ex.Name()
	for _, sc := range a.cfg.SymbolsFor(market) {
		category := exchange.Category(sc.Category)
		for _, tf := range sc.Timeframes {
			klines, err := ex.Klines(ctx, sc.Symbol, category, tf, a.cfg.Trading.CandleNumber)
			if err != nil {
				logger.Warn("⚠️ [%s] K线预热失败 %s %dm: %v", market, sc.Symbol, tf, err)
			} else {
				logger.Info("📋 [%s] 已预热 %s %dm K线 %d 根", market, sc.Symbol, tf, len(klines))
			}
			if err := ex.SubscribeKlines(sc.Symbol, category, tf); err != nil {
				logger.Warn("⚠️ [%s] K线订阅失败 %s %dm: %v", market, sc.Symbol, tf, err)
			}
		}
	}
}

// teardown 按构造的逆序拆除组件
func (a *app) teardown() {
	if a.collector != nil {
		a.collector.Stop()
	}
	a.center.Stop()
	a.bus.Close()
	if err := a.dlock.Close(); err != nil {
		logger.Warn("⚠️ 分布式锁关闭失败: %v", err)
	}
	if err := a.db.Close(); err != nil {
		logger.Warn("⚠️ 数据库关闭失败: %v", err)
	}
	logger.Close()
}
