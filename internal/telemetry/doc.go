// Package telemetry 定义引擎注入使用的 Telemetry/Span 接口（OTel 实现与 noop 实现），
// 并负责进程级 OTel SDK 初始化：Init 按配置建立 OTLP 导出的 TracerProvider 与
// MeterProvider，由 Providers.Telemetry 交给引擎构建器，运行与节点 span 的耗时
// 记录在 flowengine.span.duration 直方图上。
// 当遥测功能禁用时，span 全部丢弃，不连接任何外部服务。
package telemetry
