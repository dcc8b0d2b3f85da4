package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"crypto-trading-bot/internal/api"
	"crypto-trading-bot/internal/candles"
	"crypto-trading-bot/internal/engine"
	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/model"
	"crypto-trading-bot/internal/service"
	"crypto-trading-bot/internal/strategy"
	"crypto-trading-bot/pkg/ta"
)

// instance 一个交易对 + 策略
type instance struct {
	name     string
	pair     model.Pair
	interval model.CandleInterval
	cfg      service.InstanceConfig
}

func main() {
	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "Configuration directory 'config/' not found. Please create it.")
		os.Exit(1)
	}
	cfg, err := service.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load config: %v\n", err)
		os.Exit(1)
	}

	service.InitLogger(cfg.Log.Level, cfg.Log.Development)
	defer service.Logger.Sync()

	instances, err := buildInstances(cfg)
	if err != nil {
		service.Logger.Fatal("Invalid instance configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service.Logger.Info("Starting trading bot", zap.String("mode", cfg.Mode), zap.Int("instances", len(instances)))
	switch cfg.Mode {
	case service.ModeBacktest:
		err = runBacktests(ctx, cfg, instances)
	case service.ModeLive:
		err = runLive(ctx, cfg, instances)
	}
	if err != nil {
		service.Logger.Fatal("Trading bot stopped with error", zap.Error(err))
	}
}

// buildInstances 按名字排序，保证启动顺序稳定
func buildInstances(cfg *service.Config) ([]instance, error) {
	names := make([]string, 0, len(cfg.Instances))
	for name := range cfg.Instances {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]instance, 0, len(names))
	for _, name := range names {
		ic := cfg.Instances[name]
		period, err := service.ParseIntervalDuration(ic.Interval)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", name, err)
		}
		out = append(out, instance{
			name:     name,
			pair:     model.NewPair(strings.ToUpper(ic.Base), strings.ToUpper(ic.Quote)),
			interval: candles.Interval(ic.Interval, period),
			cfg:      ic,
		})
	}
	return out, nil
}

func newStrategy(inst instance) *strategy.SignalGenerator {
	sc := inst.cfg.Strategy
	return strategy.NewSignalGenerator(strategy.Config{
		Pair:     inst.pair,
		Interval: inst.interval,
		Params:   ta.Params{FastMA: sc.FastMA, SlowMA: sc.SlowMA, RSIPeriod: sc.RSIPeriod},
		Confirm:  sc.Confirm,
		Quantity: sc.Quantity,
		StaleAge: sc.StaleAge,
	}, service.Logger.With(zap.String("instance", inst.name)))
}

// runBacktests 每个实例一个独立的本地交易所和引擎
func runBacktests(ctx context.Context, cfg *service.Config, instances []instance) error {
	for _, inst := range instances {
		history, err := loadHistory(cfg.Backtest.CandlesFile, inst.pair)
		if err != nil {
			return fmt.Errorf("instance %s: %w", inst.name, err)
		}

		local := exchange.NewLocalExchange(cfg.Exchange.Name, exchange.LocalConfig{
			FeeMaker: cfg.Local.FeeMaker,
			FeeTaker: cfg.Local.FeeTaker,
			Slippage: cfg.Local.Slippage,
			Balances: cfg.Local.Balances,
		}, exchange.CoreOptions{Logger: service.Logger, Retention: cfg.Engine.Retention})
		local.RegisterPair(inst.pair, inst.cfg.Precision)

		eng := engine.New(local, newStrategy(inst), engine.Options{QueueSize: cfg.Engine.QueueSize, Logger: service.Logger})
		report, err := eng.Backtest(ctx, inst.pair, inst.interval, history)
		closeStore(local.Core)
		if err != nil {
			return fmt.Errorf("instance %s: %w", inst.name, err)
		}
		logReport(inst, report)
	}
	return nil
}

// closeStore 退出前把持久化队列写完
func closeStore(core *exchange.Core) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := core.Close(ctx); err != nil {
		service.Logger.Warn("Store did not drain", zap.String("exchange", core.Name()), zap.Error(err))
	}
}

func loadHistory(pattern string, pair model.Pair) ([]model.Candle, error) {
	path := strings.ReplaceAll(pattern, "{symbol}", pair.Symbol())
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candles: %w", err)
	}
	defer f.Close()
	return candles.ReadCSV(f)
}

func logReport(inst instance, r *engine.Report) {
	fields := []zap.Field{
		zap.String("instance", inst.name),
		zap.String("symbol", inst.pair.Symbol()),
		zap.Int("candles", r.Candles),
		zap.Int("trades", len(r.Trades)),
		zap.Float64("max_drawdown", r.MaxDrawdown),
		zap.Float64("sharpe", r.Sharpe),
		zap.Float64("martin", r.Martin),
		zap.Float64("pain", r.Pain),
	}
	if n := len(r.Equity); n > 0 {
		fields = append(fields, zap.Stringer("start_equity", r.Equity[0].Value), zap.Stringer("end_equity", r.Equity[n-1].Value))
	}
	for _, b := range r.Balances {
		fields = append(fields, zap.Stringer("balance_"+b.Asset, b.Total()))
	}
	service.Logger.Info("Backtest report", fields...)
}

// runLive 所有实例共用一条连接、一个实盘交易所和一个引擎
func runLive(ctx context.Context, cfg *service.Config, instances []instance) error {
	var eng *engine.Engine

	connector := api.NewConnector(api.Config{
		Provider:  cfg.Exchange.Name,
		URL:       cfg.Exchange.WSURL,
		APIKey:    cfg.Exchange.APIKey,
		SecretKey: cfg.Exchange.SecretKey,
		Heartbeat: cfg.Exchange.Heartbeat,
		Logger:    service.Logger,
	}, api.SinkFunc(func(ctx context.Context, msg engine.Message) error {
		return eng.Post(ctx, msg)
	}))

	live := exchange.NewLiveExchange(cfg.Exchange.Name, connector, exchange.LiveConfig{
		RequestTimeout: cfg.Exchange.RequestTimeout,
		Scheduler:      func(fn func()) { eng.Scheduler()(fn) },
	}, exchange.CoreOptions{Logger: service.Logger, Retention: cfg.Engine.Retention})
	defer closeStore(live.Core)

	group := make(strategy.Group, 0, len(instances))
	for _, inst := range instances {
		group = append(group, newStrategy(inst))
	}
	eng = engine.New(live, group, engine.Options{QueueSize: cfg.Engine.QueueSize, Logger: service.Logger})

	for _, inst := range instances {
		live.RegisterPair(inst.pair, inst.cfg.Precision)
		if err := eng.Subscribe(inst.pair, inst.interval); err != nil {
			return fmt.Errorf("instance %s: %w", inst.name, err)
		}
		connector.Subscribe(inst.pair, inst.interval)
	}

	events := eng.Listen(256)
	go logEvents(ctx, events)

	return eng.Run(ctx, true)
}

// logEvents 事件流的旁路日志
func logEvents(ctx context.Context, events <-chan exchange.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch v := ev.(type) {
			case exchange.ReportEvent:
				service.Logger.Info("Order update", zap.Stringer("order", v.Order))
			case exchange.TradeEvent:
				service.Logger.Info("Trade",
					zap.String("order_id", v.Trade.OrderID),
					zap.String("side", string(v.Trade.Side)),
					zap.Stringer("price", v.Trade.Price),
					zap.Stringer("quantity", v.Trade.TradeQuantity))
			case exchange.ReadyEvent:
				service.Logger.Info("Exchange ready", zap.String("exchange", v.Exchange))
			}
		}
	}
}
