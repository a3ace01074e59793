package utils

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultString returns the default value if the string is empty
func DefaultString(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

// ParseTimestamp converts Unix timestamp string to time.Time
func ParseTimestamp(timestamp string) (time.Time, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return time.Unix(ts, 0).UTC(), nil
}

// NormalizeHost lowercases a hostname and removes any trailing dot
func NormalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// DecodeBase64 decodes a base64 string, tolerating missing padding and
// embedded whitespace as seen in real-world report attachments
func DecodeBase64(data string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, data)

	decoded, err := base64.StdEncoding.DecodeString(clean)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.WithPadding(base64.NoPadding).DecodeString(clean)
}

// IsValidIPAddress checks if string is a valid IP address
func IsValidIPAddress(ip string) bool {
	return net.ParseIP(ip) != nil
}

// LooksLikeHostname reports whether a string could be a fully-qualified
// domain. Report org names are sometimes hostnames instead of display names.
func LooksLikeHostname(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " \t@/") {
		return false
	}
	if !strings.Contains(s, ".") || net.ParseIP(s) != nil {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(s, "."), ".") {
		if label == "" {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}

// SanitizeString removes null bytes and control characters from string
func SanitizeString(s string) string {
	result := strings.Map(func(r rune) rune {
		if r == 0 || (r > 0 && r < 32 && r != 9 && r != 10 && r != 13) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(result)
}

// StringSliceContains checks if string slice contains a value
func StringSliceContains(slice []string, value string) bool {
	for _, item := range slice {
		if item == value {
			return true
		}
	}
	return false
}
