package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override flag defaults.
const (
	EnvConfigPath   = "SORTER_CONFIG"
	EnvSerialPort   = "SORTER_SERIAL_PORT"
	EnvDBPath       = "SORTER_DB"
	EnvListen       = "SORTER_LISTEN"
	EnvDetectorURL  = "SORTER_DETECTOR_URL"
	EnvDetectorGRPC = "SORTER_DETECTOR_GRPC"
	EnvCSVDir       = "SORTER_CSV_DIR"
)

// LoadEnv reads KEY=VALUE pairs from the given dotenv files into the
// process environment. Variables that are already set are left alone.
// Missing files are ignored so a bare checkout still starts.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// EnvOr returns the value of key, or def when it is unset or empty.
func EnvOr(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}

// EnvIntOr returns key parsed as an int, or def when unset or malformed.
func EnvIntOr(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return def
}
