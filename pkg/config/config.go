// Package config reads service configuration from the environment.
package config

import (
	"log"
	"os"
	"strconv"
)

// GetString looks up key in the environment, falling back when it is unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt looks up key and parses it as an integer. Unset or unparsable
// values yield the fallback; a bad value is logged, not fatal.
func GetInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("config: %s=%q is not an integer, using %d", key, value, fallback)
		return fallback
	}
	return parsed
}

// GetBool looks up key and parses it as a boolean. Unset or unparsable
// values yield the fallback.
func GetBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("config: %s=%q is not a boolean, using %t", key, value, fallback)
		return fallback
	}
	return parsed
}
