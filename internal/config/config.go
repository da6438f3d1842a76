package config

import (
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type FetcherConfig struct {
	UserAgent    string `yaml:"userAgent"`
	TimeoutMs    int    `yaml:"timeoutMs"`
	MaxRedirects int    `yaml:"maxRedirects"`
}

type RodConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BrowserURL string `yaml:"browserURL"`
}

type CrawlerConfig struct {
	MaxPages             int `yaml:"maxPages"`
	MaxDepth             int `yaml:"maxDepth"`
	MaxConcurrentFetches int `yaml:"maxConcurrentFetches"`
	PolitenessDelayMs    int `yaml:"politenessDelayMs"`
}

type RobotsConfig struct {
	Respect bool `yaml:"respect"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

type SupervisorConfig struct {
	MaxConcurrentJobs int `yaml:"maxConcurrentJobs"`
	PollIntervalMs    int `yaml:"pollIntervalMs"`
	GraceSeconds      int `yaml:"graceSeconds"`
	JobTimeoutHours   int `yaml:"jobTimeoutHours"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

type AnthropicConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

type GoogleLLMConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

type LLMConfig struct {
	DefaultProvider string          `yaml:"defaultProvider"`
	TimeoutMs       int             `yaml:"timeoutMs"`
	OpenAI          OpenAIConfig    `yaml:"openai"`
	Anthropic       AnthropicConfig `yaml:"anthropic"`
	Google          GoogleLLMConfig `yaml:"google"`
}

// SharePointConfig holds the Graph tenant and app registration used
// for uploads. Secrets normally arrive via environment overrides.
type SharePointConfig struct {
	SiteURL      string `yaml:"siteURL"`
	Tenant       string `yaml:"tenant"`
	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`
}

type UploaderConfig struct {
	MaxConcurrent int `yaml:"maxConcurrent"`
}

// RetentionConfig controls TTL-like deletion of old terminal jobs and
// their artifacts so that the database does not grow without bound.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	JobDays                int  `yaml:"jobDays"`
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Fetcher    FetcherConfig    `yaml:"fetcher"`
	Rod        RodConfig        `yaml:"rod"`
	Crawler    CrawlerConfig    `yaml:"crawler"`
	Robots     RobotsConfig     `yaml:"robots"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	LLM        LLMConfig        `yaml:"llm"`
	SharePoint SharePointConfig `yaml:"sharepoint"`
	Uploader   UploaderConfig   `yaml:"uploader"`
	Retention  RetentionConfig  `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	applyEnv(&cfg)
	cfg.Defaults()
	return &cfg
}

// applyEnv lets deployments override secrets and sizing knobs without
// editing the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("STATE_STORE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		switch cfg.LLM.DefaultProvider {
		case "anthropic":
			cfg.LLM.Anthropic.APIKey = v
		case "google":
			cfg.LLM.Google.APIKey = v
		default:
			cfg.LLM.OpenAI.APIKey = v
		}
	}
	if v := os.Getenv("IDENTITY_TENANT"); v != "" {
		cfg.SharePoint.Tenant = v
	}
	if v := os.Getenv("IDENTITY_CLIENT_ID"); v != "" {
		cfg.SharePoint.ClientID = v
	}
	if v := os.Getenv("IDENTITY_CLIENT_SECRET"); v != "" {
		cfg.SharePoint.ClientSecret = v
	}
	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Supervisor.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("WORKER_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Supervisor.GraceSeconds = n
		}
	}
}

// Defaults fills in zero-valued knobs so callers never have to guard
// against an unset bound.
func (c *Config) Defaults() {
	if c.Fetcher.TimeoutMs <= 0 {
		c.Fetcher.TimeoutMs = 20000
	}
	if c.Fetcher.MaxRedirects <= 0 {
		c.Fetcher.MaxRedirects = 10
	}
	if c.Fetcher.UserAgent == "" {
		c.Fetcher.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
	if c.Crawler.MaxPages <= 0 {
		c.Crawler.MaxPages = 2000
	}
	if c.Crawler.MaxDepth <= 0 {
		c.Crawler.MaxDepth = 6
	}
	if c.Crawler.MaxConcurrentFetches <= 0 {
		c.Crawler.MaxConcurrentFetches = 4
	}
	if c.Crawler.PolitenessDelayMs <= 0 {
		c.Crawler.PolitenessDelayMs = 500
	}
	if c.Supervisor.MaxConcurrentJobs <= 0 {
		c.Supervisor.MaxConcurrentJobs = 8
	}
	if c.Supervisor.PollIntervalMs <= 0 {
		c.Supervisor.PollIntervalMs = 2000
	}
	if c.Supervisor.GraceSeconds <= 0 {
		c.Supervisor.GraceSeconds = 10
	}
	if c.Supervisor.JobTimeoutHours <= 0 {
		c.Supervisor.JobTimeoutHours = 6
	}
	if c.LLM.TimeoutMs <= 0 {
		c.LLM.TimeoutMs = 30000
	}
	if c.Uploader.MaxConcurrent <= 0 {
		c.Uploader.MaxConcurrent = 4
	}
}
