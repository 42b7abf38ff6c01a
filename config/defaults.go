package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:        DefaultServerConfig(),
		Engine:        DefaultEngineConfig(),
		Observability: DefaultObservabilityConfig(),
		Redis:         DefaultRedisConfig(),
		Database:      DefaultDatabaseConfig(),
		Metrics:       DefaultMetricsConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NodeTimeout:   0,
		ClampProgress: true,
		SnapshotStore: "memory",
		SnapshotTTL:   24 * time.Hour,
		EventTimeout:  30 * time.Minute,
	}
}

// DefaultObservabilityConfig 返回默认可观测性配置
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "flowengine:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "flowengine",
		Name:            "flowengine.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "flowengine",
		Path:      "/metrics",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "flowengine",
		SampleRate:   0.1,
	}
}
