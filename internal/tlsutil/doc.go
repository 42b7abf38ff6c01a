// Package tlsutil 为 flowengine 的 HTTP 服务端提供加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
