// Package config 提供 flowengine 的配置加载。
//
// 配置依次取默认值、YAML 文件和 FLOWENGINE_ 前缀的环境变量。
// 可观测性配置在进程启动时读取一次，之后作为参数注入引擎。
package config
