// Package telemetry 封装网关的 OpenTelemetry 追踪接入。
// 追踪是可选能力：未启用时所有入口退化为空操作，网关照常运行。
// Span 经 OTLP gRPC 导出（Tempo、Jaeger 等均可接收），根 Span 按
// 配置的比率采样，子 Span 跟随父级的采样决策。
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config 是追踪接入的配置，字段与配置文件的 telemetry 块对应。
// 省略项由配置层补齐默认值，这里只兜底服务名与端点。
type Config struct {
	// Enabled 为 false 时跳过初始化，网关不产生任何追踪数据
	Enabled bool `yaml:"enabled"`
	// Endpoint 是 OTLP gRPC 接收端地址，如 localhost:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 标识追踪数据的来源服务
	ServiceName string `yaml:"service_name"`
	// SampleRate 是根 Span 的采样率，(0,1) 内按 TraceID 比率采样
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 区分 production/staging/development 等部署环境
	Environment string `yaml:"environment"`
}

// Telemetry 持有追踪提供者，只负责生命周期收尾。
// 追踪器本身通过全局提供者取用，见 GetTracer。
type Telemetry struct {
	provider *sdktrace.TracerProvider
}

// New 按配置初始化全局追踪。
// 成功返回后全局 TracerProvider 与传播器即已就位；未启用时
// 返回的实例只承担空操作 Shutdown。与 OTLP 接收端的连接在
// 10 秒内未建立视为失败，由调用方决定是否降级继续。
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "stratus-gateway"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect OTLP endpoint %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	// 根 Span 按配置比率，子 Span 跟随父级决策
	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{provider: provider}, nil
}

// Shutdown 刷出未导出的 Span 并关闭导出器连接。
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// GetTracer 从全局提供者取追踪器，name 习惯上用组件名。
// 在 New 之前（或未启用时）调用得到空操作追踪器。
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// HTTPMiddleware 为入站请求建立服务端 Span。
// 请求头中的 traceparent 被续接为父级，Span 名取"方法 路径"。
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()),
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}
