package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/outreach-cli/internal/apperr"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Places    PlacesConfig    `yaml:"places" mapstructure:"places"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Mail      MailConfig      `yaml:"mail" mapstructure:"mail"`
	Contact   ContactConfig   `yaml:"contact" mapstructure:"contact"`
	Outreach  OutreachConfig  `yaml:"outreach" mapstructure:"outreach"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PlacesConfig holds Google Places text search settings.
type PlacesConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	MaxPerCity    int     `yaml:"max_per_city" mapstructure:"max_per_city"`
	QueryTemplate string  `yaml:"query_template" mapstructure:"query_template"`
	Language      string  `yaml:"language" mapstructure:"language"`
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
}

// MailConfig configures email dispatch and the provider webhook.
type MailConfig struct {
	Driver        string     `yaml:"driver" mapstructure:"driver"`
	From          string     `yaml:"from" mapstructure:"from"`
	ResendKey     string     `yaml:"resend_key" mapstructure:"resend_key"`
	ResendBaseURL string     `yaml:"resend_base_url" mapstructure:"resend_base_url"`
	WebhookSecret string     `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	SMTP          SMTPConfig `yaml:"smtp" mapstructure:"smtp"`
}

// SMTPConfig holds SMTP relay credentials for the smtp mail driver.
type SMTPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
}

// ContactConfig configures contact address discovery on lead websites.
type ContactConfig struct {
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Paths           []string      `yaml:"paths" mapstructure:"paths"`
	ExcludedDomains []string      `yaml:"excluded_domains" mapstructure:"excluded_domains"`
	RateLimit       float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	UserAgent       string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// OutreachConfig tunes a prospect run.
type OutreachConfig struct {
	DryRun             bool          `yaml:"dry_run" mapstructure:"dry_run"`
	MaxEmailsPerRun    int           `yaml:"max_emails_per_run" mapstructure:"max_emails_per_run"`
	Regions            []string      `yaml:"regions" mapstructure:"regions"`
	BaseURL            string        `yaml:"base_url" mapstructure:"base_url"`
	LandingURL         string        `yaml:"landing_url" mapstructure:"landing_url"`
	DemoURL            string        `yaml:"demo_url" mapstructure:"demo_url"`
	Language           string        `yaml:"language" mapstructure:"language"`
	FirstFollowupAfter time.Duration `yaml:"first_followup_after" mapstructure:"first_followup_after"`
	FinalFollowupAfter time.Duration `yaml:"final_followup_after" mapstructure:"final_followup_after"`
	Oversample         int           `yaml:"oversample" mapstructure:"oversample"`
	CallTimeout        time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	RunBudget          time.Duration `yaml:"run_budget" mapstructure:"run_budget"`
	Schedule           string        `yaml:"schedule" mapstructure:"schedule"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CronSecret  string   `yaml:"cron_secret" mapstructure:"cron_secret"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// envAliases binds the deployment's plain environment names to config keys.
// The OUTREACH_ prefixed form of every key keeps working and wins when both
// are set. Drafts are generated with Anthropic, so the model settings are
// ANTHROPIC_API_KEY and ANTHROPIC_MODEL; OPENAI_API_KEY and OPENAI_MODEL
// are not read.
var envAliases = map[string][]string{
	"server.cron_secret":          {"CRON_SECRET"},
	"server.port":                 {"PORT"},
	"store.driver":                {"STORE_DRIVER"},
	"store.database_url":          {"DATABASE_URL", "SUPABASE_DB_URL"},
	"mail.driver":                 {"MAIL_DRIVER"},
	"mail.resend_key":             {"RESEND_API_KEY"},
	"mail.webhook_secret":         {"RESEND_WEBHOOK_SECRET"},
	"mail.from":                   {"FROM_EMAIL"},
	"mail.smtp.host":              {"SMTP_HOST"},
	"mail.smtp.port":              {"SMTP_PORT"},
	"mail.smtp.user":              {"SMTP_USER"},
	"mail.smtp.password":          {"SMTP_PASSWORD"},
	"places.key":                  {"GOOGLE_PLACES_API_KEY"},
	"places.max_per_city":         {"MAX_PLACES_PER_CITY"},
	"anthropic.key":               {"ANTHROPIC_API_KEY"},
	"anthropic.model":             {"ANTHROPIC_MODEL"},
	"outreach.dry_run":            {"DRY_RUN"},
	"outreach.max_emails_per_run": {"MAX_EMAILS_PER_RUN"},
	"outreach.regions":            {"TARGET_CITIES"},
	"outreach.base_url":           {"BASE_URL"},
	"outreach.landing_url":        {"LANDING_URL"},
	"outreach.demo_url":           {"DEMO_URL"},
	"outreach.schedule":           {"OUTREACH_SCHEDULE"},
	"log.level":                   {"LOG_LEVEL"},
	"log.format":                  {"LOG_FORMAT"},
}

const envPrefix = "OUTREACH"

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("places.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("places.max_per_city", 20)
	v.SetDefault("places.query_template", "restaurant in %s, France")
	v.SetDefault("places.language", "fr")
	v.SetDefault("places.rate_limit", 5.0)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("mail.driver", "resend")
	v.SetDefault("mail.resend_base_url", "https://api.resend.com")
	v.SetDefault("mail.smtp.port", 587)
	v.SetDefault("contact.timeout", 8*time.Second)
	v.SetDefault("contact.paths", []string{"", "/contact", "/contactez-nous", "/mentions-legales"})
	v.SetDefault("contact.excluded_domains", []string{"example.com"})
	v.SetDefault("contact.rate_limit", 2.0)
	v.SetDefault("contact.user_agent", "Mozilla/5.0 (compatible; outreach-cli/1.0)")
	v.SetDefault("outreach.dry_run", true)
	v.SetDefault("outreach.max_emails_per_run", 10)
	v.SetDefault("outreach.regions", []string{"Paris", "Lyon", "Marseille"})
	v.SetDefault("outreach.language", "fr")
	v.SetDefault("outreach.first_followup_after", 72*time.Hour)
	v.SetDefault("outreach.final_followup_after", 120*time.Hour)
	v.SetDefault("outreach.oversample", 3)
	v.SetDefault("outreach.call_timeout", 60*time.Second)
	v.SetDefault("outreach.run_budget", 15*time.Minute)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Outreach.Regions = cleanList(cfg.Outreach.Regions)
	cfg.Server.CORSOrigins = cleanList(cfg.Server.CORSOrigins)
	cfg.Contact.ExcludedDomains = cleanList(cfg.Contact.ExcludedDomains)

	return &cfg, nil
}

// cleanList trims entries and drops blanks, so "Paris, Lyon," becomes
// [Paris Lyon].
func cleanList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks that every setting required by mode is present. Modes:
// "migrate", "discover", "prospect", "serve".
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		add("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	switch mode {
	case "migrate":
	case "discover":
		c.validateDiscovery(add)
	case "prospect":
		c.validateDiscovery(add)
		c.validateOutreach(add)
	case "serve":
		c.validateDiscovery(add)
		c.validateOutreach(add)
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
		if c.Server.CronSecret == "" {
			add("server.cron_secret is required")
		}
		if c.Mail.WebhookSecret == "" {
			add("mail.webhook_secret is required")
		}
	default:
		return apperr.Config(fmt.Sprintf("config: unknown mode %q", mode))
	}

	if len(problems) > 0 {
		return apperr.Config("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateDiscovery(add func(string, ...any)) {
	if c.Places.Key == "" {
		add("places.key is required")
	}
	if c.Places.MaxPerCity <= 0 {
		add("places.max_per_city must be > 0")
	}
	if len(c.Outreach.Regions) == 0 {
		add("outreach.regions must list at least one region")
	}
}

func (c *Config) validateOutreach(add func(string, ...any)) {
	if c.Anthropic.Key == "" {
		add("anthropic.key is required")
	}
	if c.Anthropic.Model == "" {
		add("anthropic.model is required")
	}
	if c.Outreach.BaseURL == "" {
		add("outreach.base_url is required")
	}
	if c.Outreach.DemoURL == "" && c.Outreach.LandingURL == "" {
		add("outreach.demo_url or outreach.landing_url is required")
	}
	if c.Outreach.MaxEmailsPerRun <= 0 {
		add("outreach.max_emails_per_run must be > 0")
	}
	if c.Outreach.Oversample < 1 {
		add("outreach.oversample must be >= 1")
	}
	if c.Outreach.FirstFollowupAfter <= 0 || c.Outreach.FinalFollowupAfter <= 0 {
		add("outreach follow-up delays must be > 0")
	}
	if c.Outreach.CallTimeout <= 0 || c.Outreach.RunBudget <= 0 {
		add("outreach.call_timeout and outreach.run_budget must be > 0")
	}
	if c.Contact.Timeout <= 0 {
		add("contact.timeout must be > 0")
	}
	if c.Outreach.DryRun {
		return
	}
	if c.Mail.From == "" {
		add("mail.from is required")
	}
	switch c.Mail.Driver {
	case "resend":
		if c.Mail.ResendKey == "" {
			add("mail.resend_key is required")
		}
	case "smtp":
		if c.Mail.SMTP.Host == "" {
			add("mail.smtp.host is required")
		}
		if c.Mail.SMTP.Port <= 0 {
			add("mail.smtp.port must be > 0")
		}
	default:
		add("mail.driver must be resend or smtp, got %q", c.Mail.Driver)
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
