// Package config loads the mailer configuration from an optional YAML file
// and environment variables. Environment variables always take precedence.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-mailer/internal/mailer"
	mtls "github.com/shineum/smtp-mailer/internal/tls"
	"github.com/shineum/smtp-mailer/internal/transport/ses"
	smtptransport "github.com/shineum/smtp-mailer/internal/transport/smtp"
)

// defaultMaxMessageSize is 10 MB in bytes.
const defaultMaxMessageSize = 10 << 20

// maxIncludeDepth bounds nested include files.
const maxIncludeDepth = 8

// Config holds the complete application configuration.
type Config struct {
	// Include lists further YAML files, relative to the including file.
	// Glob patterns are expanded. Values already set win over included ones.
	Include []string `yaml:"include,omitempty"`

	Protocol      string `yaml:"protocol"`
	MailType      string `yaml:"mail_type"`
	Charset       string `yaml:"charset"`
	WordWrap      *bool  `yaml:"word_wrap"`
	WrapChars     int    `yaml:"wrap_chars"`
	Priority      int    `yaml:"priority"`
	Newline       string `yaml:"newline"`
	CRLF          string `yaml:"crlf"`
	Validate      *bool  `yaml:"validate"`
	SendMultipart *bool  `yaml:"send_multipart"`
	AltMessage    string `yaml:"alt_message"`
	UserAgent     string `yaml:"user_agent"`
	MailPath      string `yaml:"mail_path"`

	From    FromConfig    `yaml:"from"`
	BCC     BCCConfig     `yaml:"bcc"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	SES     SESConfig     `yaml:"ses"`
	Archive ArchiveConfig `yaml:"archive"`
	Logging LoggingConfig `yaml:"logging"`
	Sink    SinkConfig    `yaml:"sink"`
}

// FromConfig is the default sender.
type FromConfig struct {
	Email      string `yaml:"email"`
	Name       string `yaml:"name"`
	ReturnPath string `yaml:"return_path"`
}

// BCCConfig controls Bcc batching.
type BCCConfig struct {
	BatchMode bool `yaml:"batch_mode"`
	BatchSize int  `yaml:"batch_size"`
}

// SMTPConfig holds the relay used by the smtp protocol.
type SMTPConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Pass          string        `yaml:"pass"`
	Timeout       time.Duration `yaml:"timeout"`
	KeepAlive     bool          `yaml:"keepalive"`
	Crypto        string        `yaml:"crypto"`
	DSN           bool          `yaml:"dsn"`
	AuthMechanism string        `yaml:"auth_mechanism"`
	LocalName     string        `yaml:"local_name"`

	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ArchiveConfig selects the archive store. An empty path keeps snapshots
// in memory only.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SinkConfig holds the capture server configuration.
type SinkConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	MetricsListen  string `yaml:"metrics_listen"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file and its includes, fills
// unset values with defaults, then overrides with environment variables.
// Returns an error if the specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg, err := readFile(path, 0)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

func readFile(path string, depth int) (*Config, error) {
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("include depth exceeds %d at %s", maxIncludeDepth, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	baseDir := filepath.Dir(path)
	for _, include := range cfg.Include {
		includePath := include
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, include)
		}

		matches, err := filepath.Glob(includePath)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %s: %w", include, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("include %s matched no files", include)
		}

		for _, match := range matches {
			included, err := readFile(match, depth+1)
			if err != nil {
				return nil, fmt.Errorf("failed to load include %s: %w", match, err)
			}
			included.Include = nil
			if err := mergo.Merge(cfg, included, mergo.WithAppendSlice, mergo.WithoutDereference); err != nil {
				return nil, fmt.Errorf("failed to merge include %s: %w", match, err)
			}
		}
	}

	return cfg, nil
}

func boolPtr(b bool) *bool {
	return &b
}

// defaults returns the value of every field that has one.
func defaults() Config {
	return Config{
		Protocol:      "mail",
		MailType:      "text",
		Charset:       "UTF-8",
		WordWrap:      boolPtr(true),
		WrapChars:     76,
		Priority:      3,
		Newline:       "\n",
		CRLF:          "\n",
		Validate:      boolPtr(true),
		SendMultipart: boolPtr(true),
		UserAgent:     mailer.DefaultUserAgent,
		MailPath:      "/usr/sbin/sendmail",
		BCC: BCCConfig{
			BatchSize: mailer.DefaultBatchSize,
		},
		SMTP: SMTPConfig{
			Port:          25,
			Timeout:       5 * time.Second,
			AuthMechanism: "LOGIN",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Sink: SinkConfig{
			Listen:         ":2525",
			Hostname:       "localhost",
			MaxMessageSize: defaultMaxMessageSize,
		},
	}
}

// applyDefaults fills every unset field with its default.
func (c *Config) applyDefaults() error {
	if err := mergo.Merge(c, defaults(), mergo.WithoutDereference); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	return nil
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MAILER_PROTOCOL"); v != "" {
		c.Protocol = strings.ToLower(v)
	}
	if v := os.Getenv("MAILER_FROM"); v != "" {
		c.From.Email = v
	}
	if v := os.Getenv("MAILER_FROM_NAME"); v != "" {
		c.From.Name = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		c.SMTP.User = v
	}
	if v := os.Getenv("SMTP_PASS"); v != "" {
		c.SMTP.Pass = v
	}
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		if d, err := parseTimeout(v); err == nil {
			c.SMTP.Timeout = d
		}
	}
	if v := os.Getenv("SMTP_CRYPTO"); v != "" {
		c.SMTP.Crypto = strings.ToLower(v)
	}
	if v := os.Getenv("SMTP_KEEPALIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.KeepAlive = b
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}

	if v := os.Getenv("ARCHIVE_PATH"); v != "" {
		c.Archive.Path = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	if v := os.Getenv("SINK_LISTEN"); v != "" {
		c.Sink.Listen = v
	}
}

// parseTimeout accepts a Go duration or a plain number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// AuthEnabled returns true if both SMTP user and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.User != "" && c.SMTP.Pass != ""
}

// SinkAuthEnabled returns true if the capture server requires AUTH.
func (c *Config) SinkAuthEnabled() bool {
	return c.Sink.Username != "" && c.Sink.Password != ""
}

// SMTPTLSConfig returns the client TLS settings for the relay, or nil when
// no crypto is configured.
func (c *Config) SMTPTLSConfig() (*tls.Config, error) {
	if c.SMTP.Crypto == "" {
		return nil, nil
	}
	return mtls.ClientConfig(c.SMTP.Host, c.SMTP.CAFile, c.SMTP.InsecureSkipVerify)
}

// MailerConfig converts the configuration into mailer settings.
func (c *Config) MailerConfig() (mailer.Config, error) {
	tlsCfg, err := c.SMTPTLSConfig()
	if err != nil {
		return mailer.Config{}, err
	}

	return mailer.Config{
		Protocol:      c.Protocol,
		MailType:      c.MailType,
		Charset:       c.Charset,
		WordWrap:      c.WordWrap == nil || *c.WordWrap,
		WrapChars:     c.WrapChars,
		Priority:      c.Priority,
		Newline:       c.Newline,
		CRLF:          c.CRLF,
		Validate:      c.Validate == nil || *c.Validate,
		SendMultipart: c.SendMultipart == nil || *c.SendMultipart,
		AltMessage:    c.AltMessage,
		BCCBatchMode:  c.BCC.BatchMode,
		BCCBatchSize:  c.BCC.BatchSize,
		UserAgent:     c.UserAgent,
		MailPath:      c.MailPath,
		FromEmail:     c.From.Email,
		FromName:      c.From.Name,
		ReturnPath:    c.From.ReturnPath,
		SMTP: smtptransport.Config{
			Host:          c.SMTP.Host,
			Port:          c.SMTP.Port,
			User:          c.SMTP.User,
			Pass:          c.SMTP.Pass,
			Timeout:       c.SMTP.Timeout,
			KeepAlive:     c.SMTP.KeepAlive,
			Crypto:        c.SMTP.Crypto,
			DSN:           c.SMTP.DSN,
			AuthMechanism: strings.ToUpper(c.SMTP.AuthMechanism),
			LocalName:     c.SMTP.LocalName,
			TLSConfig:     tlsCfg,
		},
		SES: ses.Config{
			Region:          c.SES.Region,
			AccessKeyID:     c.SES.AccessKeyID,
			SecretAccessKey: c.SES.SecretAccessKey,
		},
	}, nil
}
