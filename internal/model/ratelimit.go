package model

import "time"

// RateWindow is one fixed bucket of the request counter for an
// (identifier, endpoint) pair. Identifier is "key:<id>" or "ip:<addr>".
type RateWindow struct {
	Identifier  string    `json:"identifier"`
	Endpoint    string    `json:"endpoint"`
	WindowStart time.Time `json:"windowStart"`
	Count       int       `json:"count"`
}

// KeyIdentifier returns the rate limit identifier for a credential
func KeyIdentifier(credentialID string) string {
	return "key:" + credentialID
}

// IPIdentifier returns the rate limit identifier for a client address
func IPIdentifier(addr string) string {
	return "ip:" + addr
}
