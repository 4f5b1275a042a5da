package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Sync     SyncConfig     `json:"sync"`
	Sheet    SheetConfig    `json:"sheet"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string        `json:"env"`             // 运行环境: local / prod
	LogLevel       string        `json:"log_level"`       // 日志级别: debug / info / warn / error
	HTTPAddr       string        `json:"http_addr"`       // API 服务监听地址
	PresenceWindow time.Duration `json:"presence_window"` // 在线判定窗口（如 "30m"）
}

// SyncConfig 表格同步调度配置。
type SyncConfig struct {
	FastInterval       time.Duration `json:"fast_interval"`        // 营业时间内轮询间隔（如 "10s"）
	SlowInterval       time.Duration `json:"slow_interval"`        // 非营业时间轮询间隔（如 "2m"）
	BusinessHoursStart string        `json:"business_hours_start"` // 营业开始 "08:00"
	BusinessHoursEnd   string        `json:"business_hours_end"`   // 营业结束 "16:00"
	DedupWindow        time.Duration `json:"dedup_window"`         // 同一供应商通知折叠窗口（如 "5m"）
	PriceEpsilon       string        `json:"price_epsilon"`        // 降价判定阈值（十进制字符串，如 "0.01"）
	MaxBackoffFactor   int           `json:"max_backoff_factor"`   // 失败退避上限（基础间隔的倍数）
	EmailDropPercent   float64       `json:"email_drop_percent"`   // 触发邮件通知的最小降幅（百分比，0 表示不发）
	PurgeInterval      time.Duration `json:"purge_interval"`       // 过期通知清理周期（0 关闭）
}

// SheetConfig 外部价格源配置。
type SheetConfig struct {
	URL          string        `json:"url"`           // 价格表快照端点
	FetchTimeout time.Duration `json:"fetch_timeout"` // 单次拉取超时
	AuthToken    string        `json:"auth_token"`    // 可选的 Bearer Token
	RatePerSec   float64       `json:"rate_per_sec"`  // 对端点的全局限流速率（0 关闭）
	RateBurst    float64       `json:"rate_burst"`    // 限流令牌桶容量
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"` // 降价摘要收件人
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"` // JWT 签名密钥（令牌由外部登录服务签发）
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		// 即使没有配置文件，也允许环境变量覆盖默认值
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":8081",
			PresenceWindow: 30 * time.Minute,
		},
		Sync: SyncConfig{
			FastInterval:       10 * time.Second,
			SlowInterval:       2 * time.Minute,
			BusinessHoursStart: "08:00",
			BusinessHoursEnd:   "16:00",
			DedupWindow:        5 * time.Minute,
			PriceEpsilon:       "0.01",
			MaxBackoffFactor:   10,
			EmailDropPercent:   0,
			PurgeInterval:      time.Hour,
		},
		Sheet: SheetConfig{
			URL:          "http://localhost:9090/sheet/snapshot",
			FetchTimeout: 15 * time.Second,
			RatePerSec:   1,
			RateBurst:    3,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/pricewatch?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
			ToEmail:   "",
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.PresenceWindow == 0 {
		cfg.App.PresenceWindow = defaults.App.PresenceWindow
	}
	if cfg.Sync.FastInterval == 0 {
		cfg.Sync.FastInterval = defaults.Sync.FastInterval
	}
	if cfg.Sync.SlowInterval == 0 {
		cfg.Sync.SlowInterval = defaults.Sync.SlowInterval
	}
	if cfg.Sync.BusinessHoursStart == "" {
		cfg.Sync.BusinessHoursStart = defaults.Sync.BusinessHoursStart
	}
	if cfg.Sync.BusinessHoursEnd == "" {
		cfg.Sync.BusinessHoursEnd = defaults.Sync.BusinessHoursEnd
	}
	if cfg.Sync.DedupWindow == 0 {
		cfg.Sync.DedupWindow = defaults.Sync.DedupWindow
	}
	if cfg.Sync.PriceEpsilon == "" {
		cfg.Sync.PriceEpsilon = defaults.Sync.PriceEpsilon
	}
	if cfg.Sync.MaxBackoffFactor == 0 {
		cfg.Sync.MaxBackoffFactor = defaults.Sync.MaxBackoffFactor
	}
	if cfg.Sync.PurgeInterval == 0 {
		cfg.Sync.PurgeInterval = defaults.Sync.PurgeInterval
	}
	if cfg.Sheet.URL == "" {
		cfg.Sheet.URL = defaults.Sheet.URL
	}
	if cfg.Sheet.FetchTimeout == 0 {
		cfg.Sheet.FetchTimeout = defaults.Sheet.FetchTimeout
	}
	if cfg.Sheet.RatePerSec == 0 {
		cfg.Sheet.RatePerSec = defaults.Sheet.RatePerSec
	}
	if cfg.Sheet.RateBurst == 0 {
		cfg.Sheet.RateBurst = defaults.Sheet.RateBurst
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("sheet_url", "SHEET_URL")
	_ = viper.BindEnv("sheet_auth_token", "SHEET_AUTH_TOKEN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_PRESENCE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.PresenceWindow = d
		}
	}
	if v := os.Getenv("SYNC_FAST_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.FastInterval = d
		}
	}
	if v := os.Getenv("SYNC_SLOW_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.SlowInterval = d
		}
	}
	if v := os.Getenv("SYNC_BUSINESS_HOURS_START"); v != "" {
		cfg.Sync.BusinessHoursStart = v
	}
	if v := os.Getenv("SYNC_BUSINESS_HOURS_END"); v != "" {
		cfg.Sync.BusinessHoursEnd = v
	}
	if v := os.Getenv("SYNC_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.DedupWindow = d
		}
	}
	if v := os.Getenv("SYNC_PRICE_EPSILON"); v != "" {
		cfg.Sync.PriceEpsilon = v
	}
	if v := os.Getenv("SYNC_MAX_BACKOFF_FACTOR"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxBackoffFactor = i
		}
	}
	if v := os.Getenv("SYNC_EMAIL_DROP_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sync.EmailDropPercent = f
		}
	}

	if v := viper.GetString("sheet_url"); v != "" {
		cfg.Sheet.URL = v
	}
	if v := viper.GetString("sheet_auth_token"); v != "" {
		cfg.Sheet.AuthToken = v
	}
	if v := os.Getenv("SHEET_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sheet.FetchTimeout = d
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "pricewatch",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		PresenceWindow string `json:"presence_window"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.PresenceWindow != "" {
		duration, err := time.ParseDuration(aux.PresenceWindow)
		if err != nil {
			return fmt.Errorf("invalid presence_window format: %w", err)
		}
		a.PresenceWindow = duration
	}

	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (s *SyncConfig) UnmarshalJSON(data []byte) error {
	type Alias SyncConfig
	aux := &struct {
		FastInterval string `json:"fast_interval"`
		SlowInterval string `json:"slow_interval"`
		DedupWindow  string `json:"dedup_window"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.FastInterval != "" {
		duration, err := time.ParseDuration(aux.FastInterval)
		if err != nil {
			return fmt.Errorf("invalid fast_interval format: %w", err)
		}
		s.FastInterval = duration
	}
	if aux.SlowInterval != "" {
		duration, err := time.ParseDuration(aux.SlowInterval)
		if err != nil {
			return fmt.Errorf("invalid slow_interval format: %w", err)
		}
		s.SlowInterval = duration
	}
	if aux.DedupWindow != "" {
		duration, err := time.ParseDuration(aux.DedupWindow)
		if err != nil {
			return fmt.Errorf("invalid dedup_window format: %w", err)
		}
		s.DedupWindow = duration
	}

	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (s *SheetConfig) UnmarshalJSON(data []byte) error {
	type Alias SheetConfig
	aux := &struct {
		FetchTimeout string `json:"fetch_timeout"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.FetchTimeout != "" {
		duration, err := time.ParseDuration(aux.FetchTimeout)
		if err != nil {
			return fmt.Errorf("invalid fetch_timeout format: %w", err)
		}
		s.FetchTimeout = duration
	}

	return nil
}
