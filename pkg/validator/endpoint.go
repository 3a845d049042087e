package validator

import (
	"net/url"
	"strings"
)

// ValidateEndpoint проверяет что endpoint это корректный http(s)://host[:port] URL
func ValidateEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if u.Hostname() == "" {
		return false
	}

	// path после хоста не ожидается, endpoint это база воркера
	if u.Path != "" && u.Path != "/" {
		return false
	}

	return true
}

// NormalizeEndpoint убирает завершающий слэш для сравнения на уникальность
func NormalizeEndpoint(endpoint string) string {
	return strings.TrimRight(endpoint, "/")
}
