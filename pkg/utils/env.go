// Package utils provides shared helpers used across the client-go
// module: env lookup and error wrapping.
package utils

import (
	"os"
	"strconv"
	"time"
)

// EnvOrDefault returns the value of the environment variable identified by
// key, or fallback if it is unset or empty.
func EnvOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// EnvOrDefaultInt returns the integer value of key, or fallback if unset,
// empty, or unparsable.
func EnvOrDefaultInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// EnvOrDefaultBool returns the boolean value of key, or fallback if unset,
// empty, or unparsable.
func EnvOrDefaultBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// EnvOrDefaultSeconds returns key, interpreted as a count of seconds, as a
// time.Duration, or fallback if unset, empty, or unparsable.
func EnvOrDefaultSeconds(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}

// EnvLookup reports whether key is set in the environment at all,
// regardless of value, distinguishing "unset" from "set empty" for the
// validation pass in pkg/config.
func EnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}
