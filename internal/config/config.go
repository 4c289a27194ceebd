package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Port         string   `yaml:"port"`
	DatabasePath string   `yaml:"database_path"`
	JWTSecret    string   `yaml:"jwt_secret"`
	CORSOrigins  []string `yaml:"cors_origins"`

	// Queue
	QueueBackend  string `yaml:"queue_backend"` // memory or redis
	RedisURL      string `yaml:"redis_url"`
	AnalysisQueue string `yaml:"analysis_queue"`

	// Chart service
	ChartServiceURL string `yaml:"chart_service_url"`
	ChartTimeoutS   int    `yaml:"chart_timeout_s"`

	// LLM
	LLMProvider         string            `yaml:"llm_provider"`
	LLMModel            string            `yaml:"llm_model"`
	PromptVersion       string            `yaml:"prompt_version"`
	RequestTimeoutS     int               `yaml:"request_timeout_s"`
	LLMMaxRetries       int               `yaml:"llm_max_retries"`
	LLMBackoffInitialMS int               `yaml:"llm_backoff_initial_ms"`
	Vendors             map[string]Vendor `yaml:"vendors"`

	// Tasks
	MaxTaskRetry        int `yaml:"max_task_retry"`
	WorkerConcurrency   int `yaml:"worker_concurrency"`
	CancelPollIntervalS int `yaml:"cancel_poll_interval_s"`
	ShutdownTimeoutS    int `yaml:"shutdown_timeout_s"`
	RequeueAfterS       int `yaml:"requeue_after_s"`

	// HTTP
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

// Vendor holds credentials of one OpenAI-compatible LLM vendor
type Vendor struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"` // overrides the requested model when set
}

// Load 加载配置: defaults, then CONFIG_FILE (yaml), then environment
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port:                ":8080",
		DatabasePath:        "./data/oracle.db",
		CORSOrigins:         []string{"http://localhost:5173"},
		QueueBackend:        "memory",
		RedisURL:            "redis://localhost:6379/0",
		AnalysisQueue:       "analysis",
		ChartTimeoutS:       30,
		LLMProvider:         "mock",
		LLMModel:            "mock-v1",
		PromptVersion:       "v1",
		RequestTimeoutS:     1800,
		LLMMaxRetries:       2,
		LLMBackoffInitialMS: 1000,
		Vendors: map[string]Vendor{
			"volcano":  {BaseURL: "https://ark.cn-beijing.volces.com/api/v3"},
			"deepseek": {BaseURL: "https://api.deepseek.com/v1"},
			"aliyun":   {BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1"},
			"qwen":     {BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1"},
			"glm":      {BaseURL: "https://open.bigmodel.cn/api/paas/v4"},
		},
		MaxTaskRetry:        2,
		WorkerConcurrency:   1,
		CancelPollIntervalS: 5,
		ShutdownTimeoutS:    30,
		RequeueAfterS:       1800,
		RateLimitRPS:        5,
		RateLimitBurst:      20,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	vendors := c.Vendors
	c.Vendors = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// vendor entries in the file override defaults field by field
	merged := make(map[string]Vendor, len(vendors))
	for name, v := range vendors {
		merged[name] = v
	}
	for name, v := range c.Vendors {
		base := merged[name]
		if v.APIKey != "" {
			base.APIKey = v.APIKey
		}
		if v.BaseURL != "" {
			base.BaseURL = v.BaseURL
		}
		if v.Model != "" {
			base.Model = v.Model
		}
		merged[name] = base
	}
	c.Vendors = merged
	return nil
}

func (c *Config) loadEnv() {
	setString(&c.Port, "PORT")
	setString(&c.DatabasePath, "DATABASE_PATH")
	setString(&c.JWTSecret, "JWT_SECRET")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitCSV(v)
	}

	setString(&c.QueueBackend, "QUEUE_BACKEND")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.AnalysisQueue, "ANALYSIS_QUEUE")

	setString(&c.ChartServiceURL, "CHART_SERVICE_URL")
	setInt(&c.ChartTimeoutS, "CHART_TIMEOUT_S")

	setString(&c.LLMProvider, "LLM_PROVIDER")
	setString(&c.LLMModel, "LLM_MODEL")
	setString(&c.PromptVersion, "PROMPT_VERSION")
	setInt(&c.RequestTimeoutS, "REQUEST_TIMEOUT_S")
	setInt(&c.LLMMaxRetries, "LLM_MAX_RETRIES")
	setInt(&c.LLMBackoffInitialMS, "LLM_BACKOFF_INITIAL_MS")

	c.setVendor("volcano", "ARK_API_KEY", "ARK_BASE_URL", "ARK_API_MODEL")
	c.setVendor("deepseek", "DEEPSEEK_API_KEY", "DEEPSEEK_BASE_URL", "")
	c.setVendor("aliyun", "ALIYUN_API_KEY", "ALIYUN_BASE_URL", "")
	c.setVendor("qwen", "QWEN_API_KEY", "QWEN_BASE_URL", "")
	c.setVendor("glm", "ZHIPU_API_KEY", "ZHIPU_BASE_URL", "")

	setInt(&c.MaxTaskRetry, "MAX_TASK_RETRY")
	setInt(&c.WorkerConcurrency, "WORKER_CONCURRENCY")
	setInt(&c.CancelPollIntervalS, "CANCEL_POLL_INTERVAL_S")
	setInt(&c.ShutdownTimeoutS, "SHUTDOWN_TIMEOUT_S")
	setInt(&c.RequeueAfterS, "REQUEUE_AFTER_S")

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimitRPS = f
		}
	}
	setInt(&c.RateLimitBurst, "RATE_LIMIT_BURST")

	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
}

func (c *Config) setVendor(name, keyEnv, urlEnv, modelEnv string) {
	if c.Vendors == nil {
		c.Vendors = map[string]Vendor{}
	}
	v := c.Vendors[name]
	setString(&v.APIKey, keyEnv)
	setString(&v.BaseURL, urlEnv)
	if modelEnv != "" {
		setString(&v.Model, modelEnv)
	}
	c.Vendors[name] = v
}

// Validate rejects configurations the runtime cannot honour
func (c *Config) Validate() error {
	if c.QueueBackend != "memory" && c.QueueBackend != "redis" {
		return fmt.Errorf("invalid QUEUE_BACKEND %q: want memory or redis", c.QueueBackend)
	}
	if c.MaxTaskRetry < 0 {
		return fmt.Errorf("MAX_TASK_RETRY must be >= 0, got %d", c.MaxTaskRetry)
	}
	if c.LLMMaxRetries < 0 {
		return fmt.Errorf("LLM_MAX_RETRIES must be >= 0, got %d", c.LLMMaxRetries)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency)
	}
	if c.RequeueAfterS <= 0 {
		return fmt.Errorf("REQUEUE_AFTER_S must be positive, got %d", c.RequeueAfterS)
	}
	if c.RequestTimeoutS <= 0 || c.ChartTimeoutS <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_S and CHART_TIMEOUT_S must be positive")
	}
	return nil
}

// RequestTimeout is the per-call LLM timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutS) * time.Second
}

// ChartTimeout is the chart service call timeout
func (c *Config) ChartTimeout() time.Duration {
	return time.Duration(c.ChartTimeoutS) * time.Second
}

// LLMBackoffInitial is the first retry delay of an LLM call
func (c *Config) LLMBackoffInitial() time.Duration {
	return time.Duration(c.LLMBackoffInitialMS) * time.Millisecond
}

// CancelPollInterval is how often a running task checks for cancellation; 0 disables
func (c *Config) CancelPollInterval() time.Duration {
	return time.Duration(c.CancelPollIntervalS) * time.Second
}

// ShutdownTimeout bounds graceful shutdown
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// RequeueAfter is how long a queued task may sit untouched before the worker
// assumes its delivery was lost and enqueues it again
func (c *Config) RequeueAfter() time.Duration {
	return time.Duration(c.RequeueAfterS) * time.Second
}

// StaleAfter is how long a running task may go without a progress write before
// it is considered abandoned by a dead worker
func (c *Config) StaleAfter() time.Duration {
	attempts := time.Duration(c.LLMMaxRetries + 1)
	return c.RequestTimeout()*attempts + c.ChartTimeout() + 5*time.Minute
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitCSV(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
