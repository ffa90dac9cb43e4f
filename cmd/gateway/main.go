// Package main 是 Stratus 网关服务的入口点
// 网关服务是整个平台的核心组件，负责函数注册时的限额准入、
// 调用的排队与执行以及激活记录的检索。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/stratus/internal/api"
	"github.com/oriys/stratus/internal/completion"
	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/events"
	"github.com/oriys/stratus/internal/metrics"
	"github.com/oriys/stratus/internal/policy"
	"github.com/oriys/stratus/internal/sandbox"
	"github.com/oriys/stratus/internal/scheduler"
	"github.com/oriys/stratus/internal/storage"
	"github.com/oriys/stratus/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// main 是网关服务的主函数
// 它负责初始化所有依赖组件并启动 HTTP 服务器
func main() {
	// 解析命令行参数，获取配置文件路径
	// 默认配置文件路径为 /etc/stratus/config.yaml
	configPath := flag.String("config", "/etc/stratus/config.yaml", "Path to config file")
	flag.Parse()

	// 设置日志记录器
	// 使用 JSON 格式输出日志，便于日志收集和分析
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// 加载配置文件
	// 配置文件包含限额策略、数据库连接、服务端口等设置
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}

	// 根据配置设置日志级别与格式
	if cfg.Logging.Level == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.Info("Starting Stratus Gateway")

	// 初始化遥测系统 (OpenTelemetry)
	// 遥测系统用于收集分布式追踪数据
	if cfg.Telemetry.Enabled {
		telCfg := telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRate:  cfg.Telemetry.SampleRate,
			Environment: cfg.Telemetry.Environment,
		}
		tel, err := telemetry.New(context.Background(), telCfg)
		if err != nil {
			// 遥测初始化失败不影响主服务运行，仅记录警告
			logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
		} else {
			// 确保在服务关闭时正确清理遥测资源
			defer tel.Shutdown(context.Background())
			// 将遥测钩子添加到日志记录器，自动关联日志和追踪
			logger.AddHook(telemetry.NewLogrusHook())
			logger.WithFields(logrus.Fields{
				"endpoint":    cfg.Telemetry.Endpoint,
				"sample_rate": cfg.Telemetry.SampleRate,
			}).Info("Telemetry initialized")
		}
	}

	// 加载限额策略
	// 策略在此处构造一次，之后为只读共享状态
	pol, err := policy.New(&cfg.Limits)
	if err != nil {
		logger.WithError(err).Fatal("Invalid limit policy")
	}
	logger.WithFields(logrus.Fields{
		"timeout_max_ms": pol.Time.Max,
		"memory_max_mb":  pol.Memory.Max,
		"wait_ceiling":   pol.BlockingWaitCeiling().String(),
	}).Info("Limit policy loaded")

	// 初始化 PostgreSQL 存储
	// PostgreSQL 用于持久化存储函数定义和激活记录
	pgStore, err := storage.NewPostgresStore(cfg.Storage.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	defer pgStore.Close()

	// 初始化 Redis 存储
	// Redis 用于激活记录缓存、溢出队列和分布式锁
	redisStore, err := storage.NewRedisStore(cfg.Storage.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisStore.Close()

	// 初始化事件总线（NATS JetStream）
	// 总线承载函数生命周期事件与跨实例的激活完成通知；
	// 连接失败时降级为单实例模式，不影响本地调用链路
	var bus *events.EventBus
	if cfg.Events.NatsURL != "" {
		bus, err = events.NewEventBus(cfg.Events.NatsURL, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to NATS, continuing without event bus")
			bus = nil
		} else {
			defer bus.Close()
			logger.WithField("url", cfg.Events.NatsURL).Info("Event bus connected")
		}
	}

	// 初始化 Prometheus 指标收集器
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		namespace := cfg.Metrics.Namespace
		if namespace == "" {
			namespace = "stratus"
		}
		m = metrics.NewMetrics(namespace)
	}

	// 初始化沙箱池
	// 池中保留的温沙箱使后续调用跳过初始化
	pool := sandbox.NewPool(cfg.Sandbox, sandbox.NewRunnerFactory(cfg.Sandbox), logger)
	pool.Start()
	defer pool.Stop()

	// 初始化完成通道
	// 阻塞调用方挂起于此，由分类器的推送唤醒
	hub := completion.NewHub()

	// 初始化调度器并启动工作协程
	sched := scheduler.NewScheduler(cfg.Scheduler, pgStore, redisStore, pool, pol, hub, bus, m, logger)
	if err := sched.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}
	defer sched.Stop()

	// 初始化激活记录清理任务
	janitor := scheduler.NewRetentionJanitor(cfg.Retention, pgStore, redisStore, logger)
	if err := janitor.Start(); err != nil {
		logger.WithError(err).Error("Failed to start retention janitor")
	}
	defer janitor.Stop()

	// 初始化已完成激活的实时推送通道
	feed := api.NewActivationsFeed(logger)

	// 事件总线桥接
	// 跨实例的完成事件回灌本地完成通道与推送通道；
	// 函数更新/删除事件触发本地温沙箱作废
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	if bus != nil {
		if err := bus.SubscribeActivationCompleted(busCtx, func(act *domain.Activation) {
			hub.Publish(act)
			feed.Publish(act)
		}); err != nil {
			logger.WithError(err).Warn("Failed to subscribe to activation completions")
		}
		if err := bus.SubscribeFunctionEvents(busCtx, func(event *events.Event) {
			if event.Type == "function.updated" || event.Type == "function.deleted" {
				pool.Invalidate(event.ID)
			}
		}); err != nil {
			logger.WithError(err).Warn("Failed to subscribe to function events")
		}
	}

	// 启动指标更新协程
	// 定期从数据库与沙箱池刷新 gauge 类指标
	var metricsCancel context.CancelFunc
	if m != nil {
		ctx, cancel := context.WithCancel(context.Background())
		metricsCancel = cancel

		updateGauges := func() {
			if total, err := pgStore.CountFunctions(); err == nil {
				m.FunctionsTotal.Set(float64(total))
			}
			stats := pool.Stats()
			m.UpdatePoolStats("process", stats.InFlight, stats.Sandboxes)
		}
		updateGauges()

		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					updateGauges()
				}
			}
		}()
	}

	// 初始化 API 处理器和路由
	handler := api.NewHandler(pgStore, redisStore, sched, pool, pol, bus, m, logger)

	// 请求超时必须大于阻塞调用的本地等待上限，
	// 否则中间件会先于等待上限切断长时间的阻塞调用
	requestTimeout := pol.BlockingWaitCeiling() + 5*time.Second

	router := api.NewRouter(&api.RouterConfig{
		Handler:        handler,
		Feed:           feed,
		Logger:         logger,
		RequestTimeout: requestTimeout,
	})

	// 在独立端口启动指标服务器
	// 指标暴露在内部端口，避免与业务流量共用中间件链
	var metricsServer *http.Server
	if m != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.WithField("port", cfg.Server.MetricsPort).Info("Starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Metrics server failed")
			}
		}()
	}

	// 配置并启动主 HTTP 服务器
	// 写超时同样要容纳挂起整个等待上限的阻塞调用
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 在后台协程中启动 HTTP 服务器
	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// 等待关闭信号
	// 监听 SIGINT (Ctrl+C) 和 SIGTERM (容器停止) 信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 创建带超时的上下文用于优雅关闭
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 优雅关闭 HTTP 服务器，等待现有请求处理完成
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}

	// 停止指标更新协程
	if metricsCancel != nil {
		metricsCancel()
	}

	// 关闭指标服务器
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Metrics server shutdown error")
		}
	}

	logger.Info("Server stopped")
}
