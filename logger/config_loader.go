package logger

import (
	"flag"
	"os"
	"strings"
)

var (
	logLevelFlag  *string
	logFormatFlag *string
	appNameFlag   *string
	envFlag       *string
)

// RegisterFlags defines the logger flags on fs.
// It must be called before fs is parsed.
func RegisterFlags(fs *flag.FlagSet) {
	logLevelFlag = fs.String("log_level", "", "Log level (debug, info, warn, error)")
	logFormatFlag = fs.String("log_format", "", "Log format (json, text)")
	appNameFlag = fs.String("app_name", "", "Application name attached to every log record")
	envFlag = fs.String("env", "", "Environment (development, staging, production)")
}

// LoadConfig loads logger config from flags and environment variables.
// Flags take precedence over environment variables.
// The caller must parse the flags registered by RegisterFlags before calling this function.
func LoadConfig() (*Config, error) {
	levelStr := flagValue(logLevelFlag)
	formatStr := flagValue(logFormatFlag)
	appName := flagValue(appNameFlag)
	envName := flagValue(envFlag)

	// Fall back to environment variables if flags not set
	if levelStr == "" {
		levelStr = getEnv("LOG_LEVEL", "info")
	}
	if formatStr == "" {
		formatStr = getEnv("LOG_FORMAT", string(FormatJSON))
	}
	if appName == "" {
		appName = getEnv("APP_NAME", "book-catalog")
	}
	if envName == "" {
		envName = getEnv("ENV", "development")
	}
	_, noColor := os.LookupEnv("NO_COLOR")

	return &Config{
		Level:       ParseLevel(strings.ToLower(levelStr)),
		Format:      ParseFormat(strings.ToLower(formatStr)),
		NoColor:     noColor,
		AppName:     appName,
		Environment: envName,
		Output:      nil, // Set by caller if needed
	}, nil
}

func flagValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// EnvVar documents an environment variable for usage output.
type EnvVar struct {
	Name        string
	Description string
}

// GetEnvVarsHelp returns the environment variables understood by LoadConfig.
func GetEnvVarsHelp() []EnvVar {
	return []EnvVar{
		{"LOG_LEVEL", "Log level (debug, info, warn, error)"},
		{"LOG_FORMAT", "Log format (json, text)"},
		{"APP_NAME", "Application name"},
		{"ENV", "Environment (development, staging, production)"},
		{"NO_COLOR", "Disable colors in text format when set"},
	}
}
