// Package auth verifies the join and admin passwords. Configured values
// are either plaintext, compared in constant time, or bcrypt hashes
// (recognized by their "$2" prefix) so a shared config file does not have
// to carry the password itself.
package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Verify reports whether candidate matches the configured password value.
// An empty configured value never matches; callers gate "no password
// required" separately.
func Verify(configured, candidate string) bool {
	if configured == "" {
		return false
	}
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(candidate)) == 1
}

// Hash returns the bcrypt hash of a password for storing in config files.
func Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
