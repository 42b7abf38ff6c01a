// Package dsl 定义工作流协议（节点、连线、输入输出 Schema、重试配置），
// 支持 JSON/YAML 解析与结构校验。节点类型由节点 ID 前缀决定，
// 形如 "spark-llm::<uuid>"。
package dsl
