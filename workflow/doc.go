// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供工作流执行引擎。

# 概述

Builder 把 dsl.Workflow 协议编译为 Engine：每个节点按 ID 前缀实例化为
node.Node，连线整理为邻接表，分支节点的 sourceHandle 映射到后继。
Engine.Run 从开始节点做深度优先遍历，后继节点作为任务提交到 TaskGroup
（errgroup），分支节点只调度选中的一条边。节点失败时交给 ErrorChain
决定重试、返回自定义输出、走失败分支或终止运行。

# 核心类型

  - Builder / BuilderOption：编译协议，注入节点注册表、遥测、指标与日志
  - Engine：一次编译、多次运行；Dumps/Loads 做快照序列化
  - EngineFactory：按 flowID + updatedAt 经 snapshot.Store 缓存引擎
  - ErrorChain / ErrorHandler / Outcome：节点错误处理链
  - StrategyManager / Strategy：节点执行策略，问答节点经 Gate 串行
  - TaskGroup：errgroup 封装，首个错误取消其余任务

# 子包

  - dsl：协议类型、解析与结构校验
  - variable：变量池，节点输出、引用解析、类型转换、流式变量
  - node：各类节点实现与 LLM/插件/意图分类客户端接口
  - callback：帧格式与按节点顺序输出的回调处理器
  - chain：简单路径划分、分支失活与进度计算
  - event：问答节点的恢复事件注册表（内存/Redis）
  - snapshot：引擎快照存储（内存/Redis/GORM）
  - schema：节点输入输出的 JSON Schema 校验
*/
package workflow
