// Package api 提供了 Stratus 平台的 HTTP API 处理程序。
// 本文件负责路由与中间件装配。
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/stratus/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// RouterConfig 路由器装配参数。
type RouterConfig struct {
	// Handler API 处理器
	Handler *Handler
	// Feed 已完成激活的实时推送通道（可选）
	Feed *ActivationsFeed
	// Logger 请求日志输出到这里，nil 则用 chi 默认的
	Logger *logrus.Logger
	// RequestTimeout 请求超时。必须大于阻塞调用的本地等待上限，
	// 否则中间件会先于等待上限切断长时间的阻塞调用。零值用 60 秒。
	RequestTimeout time.Duration
}

// NewRouter 装配网关的全部 HTTP 路由：
//
//	/health{,/ready,/live}  - 健康检查与 Kubernetes 探针
//	/api/v1/functions       - 函数管理与调用（注册/更新走限额准入校验）
//	/api/v1/activations     - 激活记录、日志、响应载荷
//	/api/v1/policy          - 限额策略快照
//	/api/v1/stats           - 系统统计
//	/api/v1/ws/activations  - 已完成激活的 WebSocket 推送
//
// Prometheus 指标由独立的监听端口暴露（见 cmd/gateway），
// 避免指标抓取流量与业务流量共用中间件链。
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	r := chi.NewRouter()

	r.Use(telemetry.HTTPMiddleware("stratus-gateway"))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5, "application/json", "text/html", "text/plain"))
	if cfg.Logger != nil {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: cfg.Logger, NoColor: true}))
	} else {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r.Use(middleware.Timeout(timeout))
	r.Use(corsMiddleware)

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/live", h.Live)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/functions", func(r chi.Router) {
			r.Post("/", h.CreateFunction)
			r.Get("/", h.ListFunctions)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetFunction)
				r.Put("/", h.UpdateFunction)
				r.Delete("/", h.DeleteFunction)
				// 默认阻塞调用，?blocking=false 转非阻塞
				r.Post("/invoke", h.InvokeFunction)
				r.Post("/invoke/async", h.InvokeFunctionAsync)
				r.Get("/activations", h.ListFunctionActivations)
			})
		})

		r.Route("/activations", func(r chi.Router) {
			// ?function_id= 过滤
			r.Get("/", h.ListActivations)
			r.Get("/{id}", h.GetActivation)
			r.Get("/{id}/logs", h.GetActivationLogs)
			r.Get("/{id}/result", h.GetActivationResult)
		})

		r.Get("/policy", h.GetPolicy)
		r.Get("/stats", h.Stats)

		if cfg.Feed != nil {
			r.Get("/ws/activations", cfg.Feed.Stream)
		}
	})

	return r
}

// corsMiddleware 放行所有来源的跨域请求并处理 OPTIONS 预检。
// 生产部署应把 Allow-Origin 收紧为具体域名。
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
