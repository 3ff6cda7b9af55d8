package proxystore

import "time"

// Status is a Proxy's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusTesting  Status = "testing"
	StatusFailed   Status = "failed"
)

// Scheme is the upstream forwarding protocol a Proxy speaks.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSocks4 Scheme = "socks4"
	SchemeSocks5 Scheme = "socks5"
)

// Proxy is a persistent row of the `proxies` table.
type Proxy struct {
	ID              int
	Address         string
	Port            int
	Scheme          Scheme
	Username        *string
	Password        *string
	Status          Status
	ErrorCount      int
	SuccessCount    int
	LastUsed        *time.Time
	LastTested      *time.Time
	ResponseTimeMS  *int
	Country         *string
	Region          *string
	Provider        *string
	Notes           *string
	Tags            *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Stats summarizes the proxies table.
type Stats struct {
	Total          int
	Active         int
	Usable         int // active AND error_count < threshold
	HighError      int
	AverageErrors  float64
	ByStatus       map[Status]int
}
