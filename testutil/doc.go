// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 flowengine 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel
  - 数据工具: MustJSON / MustParseJSON
  - 通道辅助: Collect 收集通道内全部元素

# 子包

  - testutil/fixtures: 工作流协议构造器（节点、连线、输入输出 Schema）
  - testutil/mocks: 模型、插件、意图分类与节点回调的模拟实现

# 使用示例

	ctx := testutil.TestContext(t)
	wf := fixtures.NewWorkflow("wf").
		Add(fixtures.Start("node-start::1", fixtures.Out("input", types.SchemaTypeString))).
		Build()
*/
package testutil
