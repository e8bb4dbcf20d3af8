package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/georgepadayatti/sigident/observability"
	"github.com/georgepadayatti/sigident/sign/identity"
)

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("field", "message")
	if err.Field != "field" {
		t.Errorf("Expected field 'field', got '%s'", err.Field)
	}
	if err.Message != "message" {
		t.Errorf("Expected message 'message', got '%s'", err.Message)
	}

	expected := "config error in 'field': message"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
	if !errors.Is(err, ErrConfigurationError) {
		t.Error("ConfigError should match ErrConfigurationError")
	}
}

func TestConfigErrorWithoutField(t *testing.T) {
	err := NewConfigError("", "general error")
	expected := "config error: general error"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
}

func TestOIDRegex(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"1.2.3.4", true},
		{"1.3.6.1.4.1.37746.3.1", true},
		{"2.5.4.5", true},
		{"1.2", true},
		{"1", false},
		{"abc", false},
		{"1.2.abc", false},
		{"", false},
	}

	for _, tt := range tests {
		result := OIDRegex.MatchString(tt.input)
		if result != tt.expected {
			t.Errorf("OIDRegex.MatchString(%s) = %v, want %v", tt.input, result, tt.expected)
		}
	}
}

func TestProcessOID(t *testing.T) {
	tests := []struct {
		input       string
		expected    string
		shouldError bool
	}{
		{"1.2.3.4", "1.2.3.4", false},
		{" 1.3.6.1.4.1.37746.3.2 ", "1.3.6.1.4.1.37746.3.2", false},
		{"sha256", "", true},
		{"1.2.99999999999999999999", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		result, err := ProcessOID("oid", tt.input)
		if tt.shouldError {
			if err == nil {
				t.Errorf("ProcessOID(%s) expected error", tt.input)
			} else if !errors.Is(err, ErrInvalidOID) {
				t.Errorf("ProcessOID(%s) error %v should wrap ErrInvalidOID", tt.input, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ProcessOID(%s) unexpected error: %v", tt.input, err)
			continue
		}
		if result.String() != tt.expected {
			t.Errorf("ProcessOID(%s) = %s, want %s", tt.input, result, tt.expected)
		}
	}
}

func TestLoggingConfigSetDefaults(t *testing.T) {
	config := &LoggingConfig{}
	config.SetDefaults()

	if config.Level != "info" {
		t.Errorf("Expected level 'info', got '%s'", config.Level)
	}
	if config.Output != "stderr" {
		t.Errorf("Expected output 'stderr', got '%s'", config.Output)
	}

	// Values should not be overwritten
	config2 := &LoggingConfig{Level: "debug", Output: "stdout"}
	config2.SetDefaults()
	if config2.Level != "debug" || config2.Output != "stdout" {
		t.Error("SetDefaults should not overwrite existing values")
	}
}

func TestDefault(t *testing.T) {
	config := Default()

	if config.Server.Address != ":8080" {
		t.Errorf("Expected address ':8080', got '%s'", config.Server.Address)
	}
	if config.Server.MaxUploadBytes != 32<<20 {
		t.Errorf("Unexpected max upload bytes %d", config.Server.MaxUploadBytes)
	}
	if config.Processing.Concurrency != 1 {
		t.Errorf("Expected concurrency 1, got %d", config.Processing.Concurrency)
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}

	profile, err := config.Identity.Profile()
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if !profile.IDExtension.Equal(identity.OIDIdentificationNumber) {
		t.Errorf("Expected default ID extension, got %s", profile.IDExtension)
	}
}

func TestLoadAppConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "app.yaml")

	yamlData := []byte(`
logging:
  level: debug
  output: stdout
server:
  address: 127.0.0.1:9000
  max-upload-bytes: 1048576
  read-header-timeout: 3s
identity:
  id-extension: "1.2.3.4"
verification:
  validation-time: "2024-01-02T03:04:05Z"
  use-cms-signing-time: true
limits:
  max-depth: 32
processing:
  concurrency: 4
`)

	if err := os.WriteFile(configFile, yamlData, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	config, err := LoadAppConfig(configFile)
	if err != nil {
		t.Fatalf("LoadAppConfig failed: %v", err)
	}

	if config.Logging.Level != "debug" {
		t.Errorf("Expected level 'debug', got '%s'", config.Logging.Level)
	}
	if config.Server.Address != "127.0.0.1:9000" {
		t.Errorf("Unexpected address '%s'", config.Server.Address)
	}
	if config.Server.ReadHeaderTimeout != 3*time.Second {
		t.Errorf("Expected 3s read header timeout, got %s", config.Server.ReadHeaderTimeout)
	}
	if config.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("Expected default shutdown timeout, got %s", config.Server.ShutdownTimeout)
	}

	profile, err := config.Identity.Profile()
	if err != nil {
		t.Fatalf("Profile failed: %v", err)
	}
	if profile.IDExtension.String() != "1.2.3.4" {
		t.Errorf("Expected custom ID extension, got %s", profile.IDExtension)
	}
	if !profile.SurnameExtension.Equal(identity.OIDSurname) {
		t.Errorf("Expected default surname extension, got %s", profile.SurnameExtension)
	}

	settings, err := config.Verification.Settings()
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if !settings.UseCMSSigningTime {
		t.Error("Expected use-cms-signing-time to be set")
	}
	if !settings.ValidationTime.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("Unexpected validation time %s", settings.ValidationTime)
	}

	limits := config.Limits.DERLimits()
	if limits.MaxDepth != 32 {
		t.Errorf("Expected max depth 32, got %d", limits.MaxDepth)
	}

	opts := config.ProcessorOptions(observability.NewNullLogger(), nil)
	if opts.Concurrency != 4 || opts.MaxDocumentBytes != 64<<20 {
		t.Errorf("Unexpected processor options %+v", opts)
	}

	if _, err := config.NewProcessor(observability.NewNullLogger(), nil); err != nil {
		t.Errorf("NewProcessor failed: %v", err)
	}
}

func TestLoadAppConfigWithDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "minimal.yaml")

	if err := os.WriteFile(configFile, []byte(`{}`), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	config, err := LoadAppConfig(configFile)
	if err != nil {
		t.Fatalf("LoadAppConfig failed: %v", err)
	}
	if config.Logging.Level != "info" {
		t.Errorf("Expected default level 'info', got '%s'", config.Logging.Level)
	}

	empty, err := ParseAppConfig(nil)
	if err != nil {
		t.Fatalf("ParseAppConfig(nil) failed: %v", err)
	}
	if empty.Limits.MaxDepth == 0 {
		t.Error("Expected default limits")
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	if _, err := LoadAppConfig("/nonexistent/sigident.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestParseAppConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{"bad OID", "identity:\n  given-name-extension: given\n", ErrInvalidOID},
		{"bad level", "logging:\n  level: loud\n", ErrInvalidValue},
		{"bad validation time", "verification:\n  validation-time: yesterday\n", ErrInvalidValue},
		{"negative limit", "limits:\n  max-depth: -1\n", ErrInvalidValue},
		{"negative concurrency", "processing:\n  concurrency: -2\n", ErrInvalidValue},
		{"negative upload size", "server:\n  max-upload-bytes: -1\n", ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAppConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected error")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("Expected ConfigError, got %T", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	for _, bad := range []string{"unknown-section: 1\n", "server: [1, 2]\n", "\t bad"} {
		if _, err := ParseAppConfig([]byte(bad)); err == nil {
			t.Errorf("Expected parse error for %q", bad)
		}
	}
}
