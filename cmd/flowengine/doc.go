// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 flowengine 命令行入口。

# 概述

cmd/flowengine 在 flowengine.Runtime 之上提供单次运行、HTTP/websocket
服务、快照表迁移、健康检查和版本查询等子命令。配置通过 YAML 文件加环境
变量加载，日志使用 zap，指标通过 Prometheus 暴露。

# 核心类型

  - Server：将 Runtime 暴露为 HTTP 路由，/v1/run 以 websocket 逐帧推送
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - statusRecorder：包装 http.ResponseWriter，记录状态码并保留 Hijack

# 主要能力

  - 子命令：run、serve、migrate、health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、RateLimiter（基于 IP）
  - 优雅关闭：signal.NotifyContext 取消后由 server.Manager 关闭监听
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
