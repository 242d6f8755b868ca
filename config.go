package relay

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type AppConfig struct {
	Mode         string
	ApiPort      string
	RelayWSPort  string
	QueueTimeout int // in seconds
	ComfyConfig  struct {
		Host string
		Port int
	}
	WorkflowConfig struct {
		File         string
		MappingsFile string
		Variant      string
		PromptRole   string
	}
	NATSConfig struct {
		URL string
	}
}

var config AppConfig

func InitConfig(envfile string) {
	err := godotenv.Load(envfile)
	if err != nil {
		log.Printf("No %s file found, using environment variables only", envfile)
	}
	config = AppConfig{
		Mode:         GetEnv("RUN_MODE", "release"),
		ApiPort:      getEnvOrPanic("API_PORT"),
		RelayWSPort:  getEnvOrPanic("RELAY_WS_PORT"),
		QueueTimeout: getIntEnvOrDefault("QUEUE_TIMEOUT_SECONDS", 300),
		ComfyConfig: struct {
			Host string
			Port int
		}{
			Host: getEnvOrPanic("COMFY_HOST"),
			Port: getIntEnvOrPanic("COMFY_PORT"),
		},
		WorkflowConfig: struct {
			File         string
			MappingsFile string
			Variant      string
			PromptRole   string
		}{
			File:         getEnvOrPanic("WORKFLOW_FILE"),
			MappingsFile: GetEnv("NODE_MAPPINGS_FILE", "config/node_mappings.toml"),
			Variant:      GetEnv("WORKFLOW_VARIANT", ""),
			PromptRole:   GetEnv("PROMPT_NODE_ROLE", "ollama_node"),
		},
		NATSConfig: struct {
			URL string
		}{
			URL: GetEnv("NATS_URL", ""),
		},
	}

	Logger = initLogger()
}

func GetConfig() AppConfig {
	return config
}

func getEnvOrPanic(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("%s must be set", key)
	}
	return value
}

func GetEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnvOrPanic(key string) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		log.Fatalf("%s must be an integer", key)
	}
	return value
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func initLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
		NoColor:    false,
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		},
		FormatMessage: func(i interface{}) string {
			return fmt.Sprintf("  %s  ", i)
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("%s=", i)
		},
		FormatFieldValue: func(i interface{}) string {
			return fmt.Sprintf("%s", i)
		},
	}

	return zerolog.New(output).With().Timestamp().Caller().Logger()
}
