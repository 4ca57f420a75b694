package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gridbot-orchestrator/internal/config"
	"gridbot-orchestrator/internal/exchange"
	"gridbot-orchestrator/internal/lock"
	"gridbot-orchestrator/internal/logger"
	"gridbot-orchestrator/internal/metrics"
	"gridbot-orchestrator/internal/models"
	"gridbot-orchestrator/internal/notifier"
	"gridbot-orchestrator/internal/orchestrator"
	"gridbot-orchestrator/internal/persistence"
	"gridbot-orchestrator/internal/pricefeed"
	"gridbot-orchestrator/internal/reporter"
	"gridbot-orchestrator/internal/storage"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	botsPath := flag.String("bots", "", "path to the bot definition file, overrides bots_file")
	mode := flag.String("mode", "run", "running mode: run or report")
	since := flag.Duration("since", 7*24*time.Hour, "report window for the equity curve")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录配置加载过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *botsPath != "" {
		cfg.BotsFile = *botsPath
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	switch *mode {
	case "run":
		run(cfg)
	case "report":
		if err := report(cfg, *since); err != nil {
			logger.S().Fatal(err)
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'run' 或 'report'。", *mode)
	}
}

func run(cfg *models.Config) {
	log := logger.L()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 未设置密钥时只运行模拟盘, 行情和交易规则走公开接口
	var live exchange.Exchange
	var public *exchange.BinanceFutures
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		log.Warn("未设置 BINANCE_API_KEY / BINANCE_SECRET_KEY, 实盘机器人不会启动")
		p, err := exchange.NewBinancePublic(ctx, cfg.IsTestnet, log.Named("binance"))
		if err != nil {
			logger.S().Fatalf("初始化交易所失败: %v", err)
		}
		public = p
	} else {
		b, err := exchange.NewBinanceFutures(ctx, apiKey, secretKey, cfg.IsTestnet, log.Named("binance"))
		if err != nil {
			logger.S().Fatalf("初始化交易所失败: %v", err)
		}
		public, live = b, b
	}

	var prices exchange.PriceSource = public
	if cfg.Stream.Enabled {
		stream := pricefeed.NewStream(cfg.Stream, cfg.IsTestnet, public, log.Named("stream"))
		go stream.Run(ctx)
		prices = stream
	}

	if err := os.MkdirAll(cfg.DBPath, 0o755); err != nil {
		logger.S().Fatalf("创建数据目录失败: %v", err)
	}
	store, err := persistence.NewBadgerStore(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("打开状态存储失败: %v", err)
	}
	defer store.Close()

	journal, err := storage.InitDB(cfg.JournalPath)
	if err != nil {
		logger.S().Fatalf("打开流水数据库失败: %v", err)
	}
	defer journal.Close()

	// --- 机器人定义: 启动时同步一次, 之后由文件监听增量同步 ---
	syncBots := func(defs []models.BotDefinition) error {
		res, err := store.SyncBots(defs, time.Now())
		if err != nil {
			return err
		}
		log.Info("机器人定义已同步",
			zap.Int("created", res.Created), zap.Int("updated", res.Updated),
			zap.Int("stopped", res.Stopped), zap.Int("restarted", res.Restarted), zap.Int("deleted", res.Deleted))
		return nil
	}
	defs, err := config.LoadBots(cfg.BotsFile)
	if err != nil {
		logger.S().Fatalf("加载机器人定义失败: %v", err)
	}
	if err := syncBots(defs); err != nil {
		logger.S().Fatalf("同步机器人定义失败: %v", err)
	}
	watcher, err := config.NewBotsWatcher(cfg.BotsFile, syncBots, log.Named("watcher"))
	if err != nil {
		log.Warn("无法监听机器人定义文件, 修改后需重启生效", zap.Error(err))
	} else {
		go watcher.Run(ctx)
	}

	sink := notifier.NewSink(cfg.Loop.SinkQueueSize, cfg.Loop.SinkWorkers, log.Named("sink"))
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(registry), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("指标服务异常退出", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("指标服务已启动", zap.String("addr", cfg.MetricsAddr))
	}

	var lease lock.Lease = lock.NopLease{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: os.Getenv("REDIS_PASSWORD")})
		defer client.Close()
		lease = lock.NewRedisLease(client, cfg.LeaseKey, models.Ms(cfg.Loop.LeaseTTLMs))
	}

	orch := orchestrator.New(*cfg, orchestrator.Deps{
		Store:    store,
		Journal:  journal,
		Prices:   prices,
		Live:     live,
		Rules:    public,
		Notifier: buildNotifier(cfg, log),
		Sink:     sink,
		Metrics:  m,
		Lease:    lease,
		Logger:   log.Named("loop"),
	})
	orch.Run(ctx)

	// 等待告警和流水写完再退出
	sink.Close()
	if n := sink.Dropped(); n > 0 {
		log.Warn("异步队列曾满, 部分任务被丢弃", zap.Uint64("dropped", n))
	}
	log.Info("程序已退出")
}

func metricsMux(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	return mux
}

// buildNotifier 优先使用 Telegram, 未配置时退回日志告警
func buildNotifier(cfg *models.Config, log *zap.Logger) notifier.Notifier {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := cfg.TelegramChatID
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Warn("TELEGRAM_CHAT_ID 格式错误", zap.String("value", v), zap.Error(err))
		} else {
			chatID = id
		}
	}
	if token == "" || chatID == 0 {
		log.Info("未配置 Telegram, 告警仅写入日志")
		return notifier.NewLogNotifier(log.Named("alert"))
	}
	tg, err := notifier.NewTelegram(token, chatID)
	if err != nil {
		log.Warn("初始化 Telegram 失败, 告警仅写入日志", zap.Error(err))
		return notifier.NewLogNotifier(log.Named("alert"))
	}
	return tg
}

// report 打印权益曲线和各机器人最近状态
func report(cfg *models.Config, window time.Duration) error {
	journal, err := storage.InitDB(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("打开流水数据库失败: %w", err)
	}
	defer journal.Close()

	from := time.Now().Add(-window)
	for _, series := range []struct {
		mode  models.ExecutionMode
		label string
	}{
		{models.ExecutionPaper, "total"},
		{models.ExecutionLive, cfg.QuoteAsset},
	} {
		samples, err := journal.EquitySeries(series.mode, series.label, from)
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			continue
		}
		fmt.Println(reporter.RenderEquity(fmt.Sprintf("%s %s", series.mode, series.label), samples))
	}

	// badger 目录被运行中的进程锁定时无法读取快照, 只输出权益
	store, err := persistence.NewBadgerStore(cfg.DBPath)
	if err != nil {
		logger.S().Warnf("无法打开状态存储, 跳过机器人状态: %v", err)
		return nil
	}
	defer store.Close()

	bots, err := store.ListBots()
	if err != nil {
		return err
	}
	snaps := make([]models.RuntimeSnapshot, 0, len(bots))
	for _, bot := range bots {
		snap, err := store.LoadRuntimeSnapshot(bot.ID)
		if err != nil {
			return err
		}
		if snap == nil {
			continue
		}
		if len(snap.Orders) == 0 {
			if recs, err := journal.RecentOrders(bot.ID, cfg.Loop.OrderHistoryCap); err == nil {
				snap.Orders = recs
			}
		}
		snaps = append(snaps, *snap)
	}
	fmt.Println(reporter.RenderStatus(snaps))
	return nil
}
