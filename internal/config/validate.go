package config

import (
	"fmt"
	"net/url"
	"strings"
)

// devSessionSecret is substituted when no secret is configured outside
// production so local setups work without a .env file.
const devSessionSecret = "dev-session-secret-not-for-production-use"

const minSecretLength = 32

// placeholderSecrets are fragments that mark a signing secret as a leftover
// default rather than a generated value.
var placeholderSecrets = []string{
	"change-this",
	"changeme",
	"secret",
	"password",
	"default",
	"example",
	"insecure",
}

var knownEnvironments = map[string]bool{
	"development": true,
	"dev":         true,
	"test":        true,
	"staging":     true,
	"production":  true,
	"prod":        true,
}

// Report is the outcome of validating a Config. In production every finding
// is an error and Valid is false if any exist; outside production the same
// findings are demoted to warnings and the process may continue.
type Report struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validate checks the configuration for security and correctness. It only
// builds the report; acting on it (refusing to serve, logging warnings) is
// the caller's job.
func (c *Config) Validate() Report {
	var findings []string
	var warnings []string

	if !knownEnvironments[c.Environment] {
		findings = append(findings, fmt.Sprintf("ENVIRONMENT %q is not one of development, test, staging, production", c.Environment))
	}

	findings = append(findings, c.checkDatabaseURL()...)
	findings = append(findings, c.checkBaseURL()...)
	findings = append(findings, c.checkUpstreamURL()...)
	findings = append(findings, c.checkAMQPURL()...)
	findings = append(findings, c.checkRateStore()...)
	findings = append(findings, c.checkRates()...)

	if c.SessionSecret == "" && !c.IsProduction() {
		c.SessionSecret = devSessionSecret
		warnings = append(warnings, "SESSION_SECRET not set, using built-in development secret")
	} else {
		findings = append(findings, checkSessionSecret(c.SessionSecret)...)
	}

	if c.AdminUsers != "" {
		if _, err := c.ParseAdminUsers(); err != nil {
			findings = append(findings, err.Error())
		}
	}

	if c.IsProduction() {
		return Report{Valid: len(findings) == 0, Errors: findings, Warnings: warnings}
	}
	return Report{Valid: true, Warnings: append(findings, warnings...)}
}

func (c *Config) checkDatabaseURL() []string {
	if c.DatabaseURL == "" {
		return []string{"DATABASE_URL is required"}
	}

	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return []string{fmt.Sprintf("DATABASE_URL is not a valid URL: %v", err)}
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return []string{fmt.Sprintf("DATABASE_URL scheme %q is not allowed, want postgres:// or postgresql://", u.Scheme)}
	}
	return nil
}

func (c *Config) checkBaseURL() []string {
	if c.BaseURL == "" {
		return []string{"BASE_URL is required"}
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return []string{fmt.Sprintf("BASE_URL %q is not a well-formed absolute URL", c.BaseURL)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return []string{fmt.Sprintf("BASE_URL scheme %q is not allowed", u.Scheme)}
	}
	if c.IsProduction() && u.Scheme != "https" {
		return []string{"BASE_URL must use https in production"}
	}
	return nil
}

func (c *Config) checkUpstreamURL() []string {
	if c.UpstreamURL == "" {
		return nil
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return []string{fmt.Sprintf("UPSTREAM_URL %q is not a well-formed absolute URL", c.UpstreamURL)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return []string{fmt.Sprintf("UPSTREAM_URL scheme %q is not allowed", u.Scheme)}
	}
	return nil
}

func (c *Config) checkAMQPURL() []string {
	if c.AMQPURL == "" {
		return nil
	}
	u, err := url.Parse(c.AMQPURL)
	if err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
		return []string{fmt.Sprintf("AMQP_URL %q is not a valid amqp:// or amqps:// URL", c.AMQPURL)}
	}
	return nil
}

func (c *Config) checkRateStore() []string {
	switch c.RateStore {
	case StoreMemory, StorePostgres:
		return nil
	case StoreRedis:
		if c.RedisAddr == "" {
			return []string{"REDIS_ADDR is required when RATE_STORE=redis"}
		}
		return nil
	default:
		return []string{fmt.Sprintf("RATE_STORE %q is not one of memory, postgres, redis", c.RateStore)}
	}
}

func (c *Config) checkRates() []string {
	scopes := []struct {
		name  string
		limit ScopeLimit
	}{
		{"API", c.Rates.API},
		{"AUTH", c.Rates.Auth},
		{"UPLOAD", c.Rates.Upload},
	}

	var findings []string
	for _, s := range scopes {
		if s.limit.Requests <= 0 {
			findings = append(findings, fmt.Sprintf("RATE_LIMIT_%s must be positive", s.name))
		}
		if s.limit.Window <= 0 {
			findings = append(findings, fmt.Sprintf("RATE_WINDOW_%s must be positive", s.name))
		}
	}
	return findings
}

func checkSessionSecret(secret string) []string {
	if secret == "" {
		return []string{"SESSION_SECRET is required"}
	}

	var findings []string
	if len(secret) < minSecretLength {
		findings = append(findings, fmt.Sprintf("SESSION_SECRET must be at least %d characters (got %d)", minSecretLength, len(secret)))
	}

	lower := strings.ToLower(secret)
	for _, placeholder := range placeholderSecrets {
		if strings.Contains(lower, placeholder) {
			findings = append(findings, fmt.Sprintf("SESSION_SECRET contains placeholder text %q", placeholder))
			break
		}
	}

	if distinctChars(secret) < 8 {
		findings = append(findings, "SESSION_SECRET is mostly repeated characters")
	}

	return findings
}

func distinctChars(s string) int {
	seen := make(map[rune]bool, len(s))
	for _, r := range s {
		seen[r] = true
	}
	return len(seen)
}
