package database

import (
	"fmt"
	"net/url"
	"time"
)

const (
	defaultPort            = 26257
	defaultSSLMode         = "disable"
	defaultApplicationName = "birdtrade"
)

// EndpointConfig describes one regional database endpoint. DSN wins over the
// individual fields when both are set.
type EndpointConfig struct {
	Name            string `mapstructure:"name" validate:"required"`
	DSN             string `mapstructure:"dsn"`
	Host            string `mapstructure:"host" validate:"required_without=DSN"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"sslmode"`
	ApplicationName string `mapstructure:"application_name"`
}

// ConnString renders the endpoint as a postgres URL.
func (e EndpointConfig) ConnString() string {
	if e.DSN != "" {
		return e.DSN
	}

	port := e.Port
	if port == 0 {
		port = defaultPort
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", e.Host, port),
	}
	if e.User != "" {
		if e.Password != "" {
			u.User = url.UserPassword(e.User, e.Password)
		} else {
			u.User = url.User(e.User)
		}
	}
	if e.Database != "" {
		u.Path = "/" + e.Database
	}

	query := url.Values{}
	sslMode := e.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}
	query.Set("sslmode", sslMode)
	appName := e.ApplicationName
	if appName == "" {
		appName = defaultApplicationName
	}
	query.Set("application_name", appName)
	u.RawQuery = query.Encode()

	return u.String()
}

// PoolOptions are applied to every regional pool.
type PoolOptions struct {
	MaxConns          int32         `mapstructure:"max_conns" validate:"gte=0"`
	MinConns          int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
}

// DefaultPoolOptions mirrors the sizes the trading services run with.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConns:          20,
		MinConns:          0,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   15 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    5 * time.Second,
	}
}
