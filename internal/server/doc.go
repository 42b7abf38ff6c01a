// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 flowengine serve 的 HTTP 服务器生命周期。

Manager 封装 net/http.Server：Start 非阻塞监听，Run 阻塞到 ctx
结束或服务异常退出后按 ShutdownTimeout 优雅关闭。ConfigFrom 从
config.ServerConfig 构造配置，配置了证书时通过 tlsutil 启用 TLS。
信号处理交给调用方，通常是 signal.NotifyContext。
*/
package server
