package config

import (
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"
)

// DatabaseType 数据库类型
type DatabaseType string

const (
	DatabaseTypeSQLite DatabaseType = "sqlite"
	DatabaseTypeMySQL  DatabaseType = "mysql"
)

// SQLiteConfig SQLite 数据库配置
type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// MySQLConfig MySQL 数据库配置
type MySQLConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	Charset  string `yaml:"charset" json:"charset"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type   DatabaseType `yaml:"type" json:"type"`
	SQLite SQLiteConfig `yaml:"sqlite" json:"sqlite"`
	MySQL  MySQLConfig  `yaml:"mysql" json:"mysql"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// WxAPIConfig 远程机器人接口配置
type WxAPIConfig struct {
	// RequestTimeoutSeconds 单次远程调用超时（秒）
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`
	// EgressProxy 出口代理（http/https/socks5），为空则直连
	EgressProxy string `yaml:"egress_proxy" json:"egress_proxy"`
}

// SessionConfig 会话管理配置
type SessionConfig struct {
	// CheckWorkers 全量状态检查的并发上限
	CheckWorkers int `yaml:"check_workers" json:"check_workers"`
	// StatusSweepIntervalSeconds 后台全量状态检查间隔（秒），0 表示关闭
	StatusSweepIntervalSeconds int `yaml:"status_sweep_interval_seconds" json:"status_sweep_interval_seconds"`
}

// TokenConfig 令牌刷新配置
type TokenConfig struct {
	// RefreshWindowMinutes 刷新窗口：令牌在此时间内到期即触发刷新
	RefreshWindowMinutes int `yaml:"refresh_window_minutes" json:"refresh_window_minutes"`
	// RefreshIntervalSeconds 后台刷新任务间隔（秒），0 表示关闭
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds" json:"refresh_interval_seconds"`
}

// Config 应用配置
type Config struct {
	Database DatabaseConfig `yaml:"database" json:"database"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	WxAPI    WxAPIConfig    `yaml:"wxapi" json:"wxapi"`
	Session  SessionConfig  `yaml:"session" json:"session"`
	Token    TokenConfig    `yaml:"token" json:"token"`

	EnableConsole bool   `yaml:"enable_console" json:"enable_console"`
	AdminPassword string `yaml:"admin_password" json:"admin_password"`

	Debug bool `yaml:"debug" json:"debug"`
}

// Load 返回默认配置
func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			Type: DatabaseTypeSQLite,
			SQLite: SQLiteConfig{
				Path: "data.sqlite3",
			},
			MySQL: MySQLConfig{
				Host:     "localhost",
				Port:     3306,
				User:     "root",
				Password: "",
				Database: "wxbot-manager",
				Charset:  "utf8mb4",
			},
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 62399,
		},
		WxAPI: WxAPIConfig{
			RequestTimeoutSeconds: 30,
			EgressProxy:           "",
		},
		Session: SessionConfig{
			CheckWorkers:               8,
			StatusSweepIntervalSeconds: 300,
		},
		Token: TokenConfig{
			RefreshWindowMinutes:   30,
			RefreshIntervalSeconds: 600,
		},
		EnableConsole: true,
		AdminPassword: "admin",
		Debug:         false,
	}
}

// LoadFromYAML 从 YAML 配置文件加载配置
func LoadFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Load()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromJSON 从 JSON 配置文件加载配置（兼容旧格式）
func LoadFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Load()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadConfig 智能加载配置文件（优先 YAML，兼容 JSON，无配置文件则使用默认值）
func LoadConfig() (*Config, error) {
	if _, err := os.Stat("config.yaml"); err == nil {
		return LoadFromYAML("config.yaml")
	}

	if _, err := os.Stat("config.yml"); err == nil {
		return LoadFromYAML("config.yml")
	}

	if _, err := os.Stat("config.json"); err == nil {
		return LoadFromJSON("config.json")
	}

	return Load(), nil
}
