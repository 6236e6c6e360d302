package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/zhaobenny/tokentracker/internal/model"
	"github.com/zhaobenny/tokentracker/internal/parser"
)

// Config holds the proxy configuration
type Config struct {
	Port                  int                           `yaml:"port" validate:"min=1,max=65535"`
	DB                    string                        `yaml:"db" validate:"required"`
	Upstream              string                        `yaml:"upstream" validate:"required,http_url"`
	Provider              string                        `yaml:"provider" validate:"required"`
	CallerHeader          string                        `yaml:"caller_header" validate:"required"`
	DialTimeout           time.Duration                 `yaml:"dial_timeout" validate:"gt=0"`
	ResponseHeaderTimeout time.Duration                 `yaml:"response_header_timeout" validate:"gt=0"`
	UpstreamReadTimeout   time.Duration                 `yaml:"upstream_read_timeout" validate:"gt=0"`
	ShutdownTimeout       time.Duration                 `yaml:"shutdown_timeout" validate:"gt=0"`
	BindRetries           int                           `yaml:"bind_retries" validate:"min=1"`
	BindRetryDelay        time.Duration                 `yaml:"bind_retry_delay" validate:"gte=0"`
	Verbose               bool                          `yaml:"verbose"`
	Events                parser.Vocabulary             `yaml:"events"`
	Pricing               map[string]model.ModelPricing `yaml:"pricing" validate:"dive,keys,required,endkeys"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML key.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Port:                  5005,
		DB:                    filepath.Join("~", ".tokentracker", "usage.db"),
		Upstream:              "https://api.anthropic.com",
		Provider:              "anthropic",
		CallerHeader:          "X-TokenTracker-Caller",
		DialTimeout:           30 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		UpstreamReadTimeout:   300 * time.Second,
		ShutdownTimeout:       10 * time.Second,
		BindRetries:           3,
		BindRetryDelay:        2 * time.Second,
		Events:                parser.DefaultVocabulary(),
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DBPath returns the database path with a leading ~ expanded.
func (c *Config) DBPath() (string, error) {
	return expandHome(c.DB)
}

// UpstreamURL returns the parsed upstream base URL.
func (c *Config) UpstreamURL() (*url.URL, error) {
	u, err := url.Parse(c.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", c.Upstream, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream %q: scheme must be http or https", c.Upstream)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q: missing host", c.Upstream)
	}
	return u, nil
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		errs = append(errs, fmt.Errorf("%s: %s", field, describe(fe)))
	}
	return errors.Join(errs...)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s (got %v)", fe.Param(), fe.Value())
	case "max":
		return fmt.Sprintf("must be at most %s (got %v)", fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("must be greater than %s (got %v)", fe.Param(), fe.Value())
	case "http_url":
		return fmt.Sprintf("must be an http or https URL (got %q)", fe.Value())
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}
