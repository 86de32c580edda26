package models

import "time"

// NotificationTarget is a named chat destination with its own delivery policy.
type NotificationTarget struct {
	ID             string `json:"id"              yaml:"id"              validate:"required"`
	Kind           string `json:"kind"            yaml:"kind"            validate:"omitempty,oneof=feishu slack webhook"`
	Endpoint       string `json:"endpoint"        yaml:"endpoint"        validate:"required,url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" validate:"min=1"`
	RetryCount     int    `json:"retry_count"     yaml:"retry_count"     validate:"min=1"`
	Enabled        bool   `json:"enabled"         yaml:"enabled"`
	// Secret signs outgoing requests when set (Feishu sign / webhook HMAC).
	Secret string `json:"secret,omitempty" yaml:"secret"`
}

// Timeout returns the per-attempt delivery timeout.
func (t NotificationTarget) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}
