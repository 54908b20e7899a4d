package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// DSN 获取数据库连接字符串
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LinkConfig 蓝牙链路配置
type LinkConfig struct {
	ServiceUUID    string        `yaml:"service_uuid"`
	CharUUID       string        `yaml:"char_uuid"`
	NameFilter     string        `yaml:"name_filter"` // 设备名包含该子串即连接（大小写不敏感）
	ScanTimeout    time.Duration `yaml:"-"`
	AutoScan       bool          `yaml:"auto_scan"`     // 启动后自动开始扫描
	RescanInterval time.Duration `yaml:"-"` // 断开后重新扫描间隔，0表示不重扫
}

// UnmarshalYAML 时长字段以"8s"/"10m"形式书写，缺省键保留已有值
func (c *LinkConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		ServiceUUID    *string `yaml:"service_uuid"`
		CharUUID       *string `yaml:"char_uuid"`
		NameFilter     *string `yaml:"name_filter"`
		ScanTimeout    *string `yaml:"scan_timeout"`
		AutoScan       *bool   `yaml:"auto_scan"`
		RescanInterval *string `yaml:"rescan_interval"`
	}{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setIfPresent(&c.ServiceUUID, raw.ServiceUUID)
	setIfPresent(&c.CharUUID, raw.CharUUID)
	setIfPresent(&c.NameFilter, raw.NameFilter)
	if raw.AutoScan != nil {
		c.AutoScan = *raw.AutoScan
	}
	if err := parseIfPresent(&c.ScanTimeout, raw.ScanTimeout, "link.scan_timeout"); err != nil {
		return err
	}
	return parseIfPresent(&c.RescanInterval, raw.RescanInterval, "link.rescan_interval")
}

// PollerConfig 传感器桥HTTP轮询配置
type PollerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Schedule string        `yaml:"schedule"` // cron表达式，如 "@every 5s"
	Timeout  time.Duration `yaml:"-"`
}

func (c *PollerConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Enabled  *bool   `yaml:"enabled"`
		URL      *string `yaml:"url"`
		Schedule *string `yaml:"schedule"`
		Timeout  *string `yaml:"timeout"`
	}{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Enabled != nil {
		c.Enabled = *raw.Enabled
	}
	setIfPresent(&c.URL, raw.URL)
	setIfPresent(&c.Schedule, raw.Schedule)
	return parseIfPresent(&c.Timeout, raw.Timeout, "poller.timeout")
}

// BaselineConfig 个人基线配置
type BaselineConfig struct {
	Window          time.Duration `yaml:"-"`                 // 历史窗口，默认24h
	DefaultHR       float64       `yaml:"default_hr"`        // 历史为空时的默认心率基线
	DefaultHRV      float64       `yaml:"default_hrv"`       // 历史为空时的默认HRV基线
	UseHistoricalHR bool          `yaml:"use_historical_hr"` // 心率基线改用历史均值（默认固定常量）
}

func (c *BaselineConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Window          *string  `yaml:"window"`
		DefaultHR       *float64 `yaml:"default_hr"`
		DefaultHRV      *float64 `yaml:"default_hrv"`
		UseHistoricalHR *bool    `yaml:"use_historical_hr"`
	}{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.DefaultHR != nil {
		c.DefaultHR = *raw.DefaultHR
	}
	if raw.DefaultHRV != nil {
		c.DefaultHRV = *raw.DefaultHRV
	}
	if raw.UseHistoricalHR != nil {
		c.UseHistoricalHR = *raw.UseHistoricalHR
	}
	return parseIfPresent(&c.Window, raw.Window, "baseline.window")
}

// InferenceConfig 推理配置
type InferenceConfig struct {
	ModelPath           string  `yaml:"model_path"`           // 学习模型权重文件，缺失时走规则层
	FeedbackConfidence  float64 `yaml:"feedback_confidence"`  // 触发反馈请求的置信度阈值
}

// AlertConfig 报警输出配置
type AlertConfig struct {
	MQTTTopic      string        `yaml:"mqtt_topic"`
	FeedbackTopic  string        `yaml:"feedback_topic"` // 远程反馈订阅主题
	Stream         string        `yaml:"stream"`
	VitalsCacheKey string        `yaml:"vitals_cache_key"`
	VitalsCacheTTL time.Duration `yaml:"-"`
}

func (c *AlertConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		MQTTTopic      *string `yaml:"mqtt_topic"`
		FeedbackTopic  *string `yaml:"feedback_topic"`
		Stream         *string `yaml:"stream"`
		VitalsCacheKey *string `yaml:"vitals_cache_key"`
		VitalsCacheTTL *string `yaml:"vitals_cache_ttl"`
	}{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setIfPresent(&c.MQTTTopic, raw.MQTTTopic)
	setIfPresent(&c.FeedbackTopic, raw.FeedbackTopic)
	setIfPresent(&c.Stream, raw.Stream)
	setIfPresent(&c.VitalsCacheKey, raw.VitalsCacheKey)
	return parseIfPresent(&c.VitalsCacheTTL, raw.VitalsCacheTTL, "alert.vitals_cache_ttl")
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Config 网关配置
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Link      LinkConfig      `yaml:"link"`
	Poller    PollerConfig    `yaml:"poller"`
	Baseline  BaselineConfig  `yaml:"baseline"`
	Inference InferenceConfig `yaml:"inference"`
	Alert     AlertConfig     `yaml:"alert"`
	HTTP      HTTPConfig      `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 加载配置：默认值 → 可选YAML文件（CONFIG_FILE） → 环境变量覆盖
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "anima"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "anima-gateway"

	// Anima 智能眼镜的GATT标识
	cfg.Link.ServiceUUID = "7f9c5eed-5678-47ca-9aa7-7337b8096792"
	cfg.Link.CharUUID = "a22db1ad-2575-4108-9b46-43feea464ae7"
	cfg.Link.NameFilter = "AnimaSmartGlasses"
	cfg.Link.ScanTimeout = 8 * time.Second
	cfg.Link.AutoScan = true
	cfg.Link.RescanInterval = 10 * time.Second

	cfg.Poller.Enabled = true
	cfg.Poller.URL = "http://127.0.0.1:8080/sensor"
	cfg.Poller.Schedule = "@every 5s"
	cfg.Poller.Timeout = 3 * time.Second

	cfg.Baseline.Window = 24 * time.Hour
	cfg.Baseline.DefaultHR = 70.0
	cfg.Baseline.DefaultHRV = 40.0

	cfg.Inference.ModelPath = "stress_model.json"
	cfg.Inference.FeedbackConfidence = 0.8

	cfg.Alert.MQTTTopic = "anima/alerts"
	cfg.Alert.FeedbackTopic = "anima/feedback"
	cfg.Alert.Stream = "anima:alerts:stream"
	cfg.Alert.VitalsCacheKey = "anima:vitals:latest"
	cfg.Alert.VitalsCacheTTL = 60 * time.Second

	cfg.HTTP.Addr = ":8090"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	return cfg
}

func (c *Config) loadFromEnv() {
	setString(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Database, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setString(&c.MQTT.Broker, "MQTT_BROKER")
	setString(&c.MQTT.ClientID, "MQTT_CLIENT_ID")
	setString(&c.MQTT.Username, "MQTT_USERNAME")
	setString(&c.MQTT.Password, "MQTT_PASSWORD")

	setString(&c.Link.ServiceUUID, "LINK_SERVICE_UUID")
	setString(&c.Link.CharUUID, "LINK_CHAR_UUID")
	setString(&c.Link.NameFilter, "LINK_NAME_FILTER")
	setDuration(&c.Link.ScanTimeout, "LINK_SCAN_TIMEOUT")
	setBool(&c.Link.AutoScan, "LINK_AUTO_SCAN")
	setDuration(&c.Link.RescanInterval, "LINK_RESCAN_INTERVAL")

	setBool(&c.Poller.Enabled, "POLLER_ENABLED")
	setString(&c.Poller.URL, "POLLER_URL")
	setString(&c.Poller.Schedule, "POLLER_SCHEDULE")
	setDuration(&c.Poller.Timeout, "POLLER_TIMEOUT")

	setDuration(&c.Baseline.Window, "BASELINE_WINDOW")
	setFloat(&c.Baseline.DefaultHR, "BASELINE_DEFAULT_HR")
	setFloat(&c.Baseline.DefaultHRV, "BASELINE_DEFAULT_HRV")
	setBool(&c.Baseline.UseHistoricalHR, "BASELINE_USE_HISTORICAL_HR")

	setString(&c.Inference.ModelPath, "INFERENCE_MODEL_PATH")
	setFloat(&c.Inference.FeedbackConfidence, "INFERENCE_FEEDBACK_CONFIDENCE")

	setString(&c.Alert.MQTTTopic, "ALERT_MQTT_TOPIC")
	setString(&c.Alert.FeedbackTopic, "ALERT_FEEDBACK_TOPIC")
	setString(&c.Alert.Stream, "ALERT_STREAM")
	setString(&c.Alert.VitalsCacheKey, "ALERT_VITALS_CACHE_KEY")
	setDuration(&c.Alert.VitalsCacheTTL, "ALERT_VITALS_CACHE_TTL")

	setString(&c.HTTP.Addr, "HTTP_ADDR")

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
}

func setIfPresent(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func parseIfPresent(dst *time.Duration, src *string, field string) error {
	if src == nil || *src == "" {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	*dst = d
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
