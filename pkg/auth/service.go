package auth

import (
	"errors"
	"os"
)

// ErrInvalidServiceToken is returned when a service token does not match
var ErrInvalidServiceToken = errors.New("invalid service token")

// ValidateServiceToken compares a presented token against the expected one
func ValidateServiceToken(token string, expectedToken string) error {
	if expectedToken == "" || token != expectedToken {
		return ErrInvalidServiceToken
	}
	return nil
}

// GetServiceToken returns the shared service token from the environment
func GetServiceToken() string {
	return os.Getenv("SERVICE_TOKEN")
}
