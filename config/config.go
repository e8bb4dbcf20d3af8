// Package config loads the YAML application configuration and converts it
// into the settings of the verification pipeline.
package config

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/sigident/observability"
	"github.com/georgepadayatti/sigident/sign/der"
	"github.com/georgepadayatti/sigident/sign/identity"
	"github.com/georgepadayatti/sigident/sign/results"
	"github.com/georgepadayatti/sigident/sign/validation"
)

// Common errors
var (
	ErrConfigurationError = errors.New("configuration error")
	ErrInvalidOID         = errors.New("invalid OID")
	ErrInvalidValue       = errors.New("invalid value")
)

// OIDRegex matches OID strings like "1.2.3.4"
var OIDRegex = regexp.MustCompile(`^\d+(\.\d+)+$`)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err == nil {
		return ErrConfigurationError
	}
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// ProcessOID parses a dotted OID string.
func ProcessOID(field, oidString string) (asn1.ObjectIdentifier, error) {
	oidString = strings.TrimSpace(oidString)
	if oidString == "" {
		return nil, &ConfigError{Field: field, Message: "OID string is empty", Err: ErrInvalidOID}
	}
	if !OIDRegex.MatchString(oidString) {
		return nil, &ConfigError{Field: field, Message: fmt.Sprintf("%q is not a dotted OID", oidString), Err: ErrInvalidOID}
	}

	parts := strings.Split(oidString, ".")
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, &ConfigError{Field: field, Message: fmt.Sprintf("arc %q out of range", p), Err: ErrInvalidOID}
		}
		oid[i] = n
	}
	return oid, nil
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (verbose, debug, info, warn, error, fatal).
	Level string `yaml:"level" json:"level,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	if _, err := observability.ParseLogLevel(c.Level); err != nil {
		return &ConfigError{Field: "logging.level", Message: err.Error(), Err: ErrInvalidValue}
	}
	return nil
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Address           string        `yaml:"address" json:"address,omitempty"`
	MaxUploadBytes    int64         `yaml:"max-upload-bytes" json:"max_upload_bytes,omitempty"`
	ReadHeaderTimeout time.Duration `yaml:"read-header-timeout" json:"read_header_timeout,omitempty"`
	ShutdownTimeout   time.Duration `yaml:"shutdown-timeout" json:"shutdown_timeout,omitempty"`
}

// SetDefaults sets default values for server configuration.
func (c *ServerConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = 32 << 20
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.MaxUploadBytes < 0 {
		return &ConfigError{Field: "server.max-upload-bytes", Message: "must not be negative", Err: ErrInvalidValue}
	}
	if c.ReadHeaderTimeout < 0 || c.ShutdownTimeout < 0 {
		return &ConfigError{Field: "server", Message: "timeouts must not be negative", Err: ErrInvalidValue}
	}
	return nil
}

// IdentityConfig names the certificate extensions carrying identity data.
type IdentityConfig struct {
	IDExtension        string `yaml:"id-extension" json:"id_extension,omitempty"`
	GivenNameExtension string `yaml:"given-name-extension" json:"given_name_extension,omitempty"`
	SurnameExtension   string `yaml:"surname-extension" json:"surname_extension,omitempty"`
}

// SetDefaults fills in the national certificate profile.
func (c *IdentityConfig) SetDefaults() {
	d := identity.DefaultProfile()
	if c.IDExtension == "" {
		c.IDExtension = d.IDExtension.String()
	}
	if c.GivenNameExtension == "" {
		c.GivenNameExtension = d.GivenNameExtension.String()
	}
	if c.SurnameExtension == "" {
		c.SurnameExtension = d.SurnameExtension.String()
	}
}

// Profile converts the configuration into an identity profile.
func (c *IdentityConfig) Profile() (identity.Profile, error) {
	var (
		p   identity.Profile
		err error
	)
	if p.IDExtension, err = ProcessOID("identity.id-extension", c.IDExtension); err != nil {
		return p, err
	}
	if p.GivenNameExtension, err = ProcessOID("identity.given-name-extension", c.GivenNameExtension); err != nil {
		return p, err
	}
	if p.SurnameExtension, err = ProcessOID("identity.surname-extension", c.SurnameExtension); err != nil {
		return p, err
	}
	return p, nil
}

// VerificationConfig controls the temporal check.
type VerificationConfig struct {
	// ValidationTime, when set (RFC 3339), replaces the claimed signing time.
	ValidationTime string `yaml:"validation-time" json:"validation_time,omitempty"`

	// UseCMSSigningTime falls back to the CMS signing-time attribute when
	// the container claims no signing time.
	UseCMSSigningTime bool `yaml:"use-cms-signing-time" json:"use_cms_signing_time"`
}

// Settings converts the configuration into verifier settings.
func (c *VerificationConfig) Settings() (validation.Settings, error) {
	settings := validation.DefaultSettings()
	settings.UseCMSSigningTime = c.UseCMSSigningTime
	if c.ValidationTime != "" {
		t, err := time.Parse(time.RFC3339, c.ValidationTime)
		if err != nil {
			return settings, &ConfigError{Field: "verification.validation-time", Message: err.Error(), Err: ErrInvalidValue}
		}
		settings.ValidationTime = t
	}
	return settings, nil
}

// LimitsConfig bounds the work done on untrusted input.
type LimitsConfig struct {
	MaxDepth         int   `yaml:"max-depth" json:"max_depth,omitempty"`
	MaxElementLength int   `yaml:"max-element-length" json:"max_element_length,omitempty"`
	MaxDocumentBytes int64 `yaml:"max-document-bytes" json:"max_document_bytes,omitempty"`
}

// SetDefaults sets default values for limits.
func (c *LimitsConfig) SetDefaults() {
	d := der.DefaultLimits()
	if c.MaxDepth == 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.MaxElementLength == 0 {
		c.MaxElementLength = d.MaxElementLength
	}
	if c.MaxDocumentBytes == 0 {
		c.MaxDocumentBytes = 64 << 20
	}
}

// Validate validates the limits.
func (c *LimitsConfig) Validate() error {
	if c.MaxDepth < 0 || c.MaxElementLength < 0 || c.MaxDocumentBytes < 0 {
		return &ConfigError{Field: "limits", Message: "limits must not be negative", Err: ErrInvalidValue}
	}
	return nil
}

// DERLimits converts the configuration into decoder limits.
func (c *LimitsConfig) DERLimits() der.Limits {
	return der.Limits{MaxDepth: c.MaxDepth, MaxElementLength: c.MaxElementLength}
}

// ProcessingConfig controls block processing.
type ProcessingConfig struct {
	Concurrency int `yaml:"concurrency" json:"concurrency,omitempty"`
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Server       ServerConfig       `yaml:"server" json:"server"`
	Identity     IdentityConfig     `yaml:"identity" json:"identity"`
	Verification VerificationConfig `yaml:"verification" json:"verification"`
	Limits       LimitsConfig       `yaml:"limits" json:"limits"`
	Processing   ProcessingConfig   `yaml:"processing" json:"processing"`
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for every section.
func (c *AppConfig) SetDefaults() {
	c.Logging.SetDefaults()
	c.Server.SetDefaults()
	c.Identity.SetDefaults()
	c.Limits.SetDefaults()
	if c.Processing.Concurrency == 0 {
		c.Processing.Concurrency = 1
	}
}

// Validate checks every section.
func (c *AppConfig) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if _, err := c.Identity.Profile(); err != nil {
		return err
	}
	if _, err := c.Verification.Settings(); err != nil {
		return err
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.Processing.Concurrency < 0 {
		return &ConfigError{Field: "processing.concurrency", Message: "must not be negative", Err: ErrInvalidValue}
	}
	return nil
}

// ProcessorOptions builds the options of a results.Processor.
func (c *AppConfig) ProcessorOptions(logger observability.Logger, metrics *observability.Metrics) results.Options {
	return results.Options{
		Limits:           c.Limits.DERLimits(),
		Concurrency:      c.Processing.Concurrency,
		MaxDocumentBytes: c.Limits.MaxDocumentBytes,
		Logger:           logger,
		Metrics:          metrics,
	}
}

// NewProcessor builds a results.Processor from the configuration.
func (c *AppConfig) NewProcessor(logger observability.Logger, metrics *observability.Metrics) (*results.Processor, error) {
	profile, err := c.Identity.Profile()
	if err != nil {
		return nil, err
	}
	settings, err := c.Verification.Settings()
	if err != nil {
		return nil, err
	}
	return results.NewProcessor(
		identity.NewResolver(profile),
		validation.NewVerifier(settings),
		c.ProcessorOptions(logger, metrics),
	), nil
}

// ParseAppConfig parses YAML configuration. Unknown keys are rejected.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	var config AppConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadAppConfig loads the complete application configuration from a file.
func LoadAppConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAppConfig(data)
}
