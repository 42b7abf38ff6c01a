// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、节点执行、
错误处理链、流式帧、工作流运行、缓存与数据库。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto.With
注册到调用方给定的 Registerer（默认 DefaultRegisterer）。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数与耗时，按 method/path/status 分组。
  - 节点指标：执行次数、耗时与重试次数，按 node_type 分组；
    错误处理链结果按 handler/outcome 分组。
  - 流式帧：按 route（ordered/direct/resume）计数。
  - 工作流指标：运行次数（按 status）与运行耗时。
  - 缓存指标：命中与未命中计数，按 cache_type 分组。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram，
    按 database/operation 分组。

Collector 的 Record* 方法对 nil 接收者安全，禁用指标时可直接传 nil。
*/
package metrics
