// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 flowengine 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、config、
cmd 等上层模块提供统一的类型契约，避免循环依赖。

# 核心类型

  - Error / ErrorCode / ErrorKind：结构化错误体系（数字错误码 + 处理类别）
  - JSONSchema：节点输入输出使用的 JSON Schema 子集
  - Usage：节点 token 消耗统计
  - Message：节点对话历史条目

# 主要能力

  - 错误工具链：AsError / WrapError / IsStructural / IsInterrupt / IsTimeout
  - Schema 工具：DefaultValue / MatchesType / ToFloat64
*/
package types
