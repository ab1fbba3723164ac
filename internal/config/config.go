package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvRequestTimeout 环境级别的默认请求等待超时（毫秒）
const EnvRequestTimeout = "INTERCEPTOR_REQUEST_TIMEOUT"

const (
	DefaultRequestTimeout     = 10 * time.Second
	DefaultWaitForNextRequest = 750 * time.Millisecond
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Interceptor struct {
		RequestTimeoutMS     int    `yaml:"requestTimeoutMS"`
		WaitForNextRequestMS int    `yaml:"waitForNextRequestMS"`
		DevToolsURL          string `yaml:"devToolsURL"`
		Origin               string `yaml:"origin"`
	} `yaml:"interceptor"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = ""
	c.Sqlite.Prefix = "netinterceptor_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Interceptor.RequestTimeoutMS = int(DefaultRequestTimeout / time.Millisecond)
	c.Interceptor.WaitForNextRequestMS = int(DefaultWaitForNextRequest / time.Millisecond)
	c.Interceptor.DevToolsURL = "http://127.0.0.1:9222"
	return c
}

// Load 读取 yaml 配置文件并应用 .env 与环境变量覆盖；path 为空时只使用默认值
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// .env 可选
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if v := os.Getenv("INTERCEPTOR_DEVTOOLS_URL"); v != "" {
		c.Interceptor.DevToolsURL = v
	}
	if v := os.Getenv("INTERCEPTOR_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return c, nil
}

// RequestTimeout 返回默认的等待超时：环境变量优先，其次配置文件，最后内置默认值。
// 每次调用都会重新读取环境变量。
func (c *Config) RequestTimeout() time.Duration {
	if v := os.Getenv(EnvRequestTimeout); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if c != nil && c.Interceptor.RequestTimeoutMS > 0 {
		return time.Duration(c.Interceptor.RequestTimeoutMS) * time.Millisecond
	}
	return DefaultRequestTimeout
}

// WaitForNextRequest 返回默认宽限期
func (c *Config) WaitForNextRequest() time.Duration {
	if c != nil && c.Interceptor.WaitForNextRequestMS >= 0 {
		return time.Duration(c.Interceptor.WaitForNextRequestMS) * time.Millisecond
	}
	return DefaultWaitForNextRequest
}
