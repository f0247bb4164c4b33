package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL            = "https://api.coreos.app"
	DefaultWSURL              = "wss://api.coreos.app/ws"
	DefaultAPITimeout         = 30 * time.Second
	DefaultAPIMaxRetries      = 3
	DefaultAPIRetryWait       = 1 * time.Second
	DefaultConnectTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultReconnectRetries   = 20
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultConnBufferSize     = 1000
	DefaultRefreshInterval    = 5 * time.Minute
	DefaultPruneInterval      = 15 * time.Minute
	DefaultRateLimitWindow    = 15 * time.Minute
	DefaultMaxFailedAttempts  = 3
	DefaultStorageDriver      = "sqlite"
	DefaultSQLitePath         = "./data/coreos.db"
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultAuditBatchSize     = 100
	DefaultAuditFlushInterval = 5 * time.Second
	DefaultAuditBufferSize    = 1000
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	// A negative max_retries disables retries (stored as 0).
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultAPIMaxRetries
	} else if c.API.MaxRetries < 0 {
		c.API.MaxRetries = 0
	}
	if c.API.RetryWait == 0 {
		c.API.RetryWait = DefaultAPIRetryWait
	}

	// Connection defaults. A negative max_retries means unlimited (stored as 0).
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.MaxRetries == 0 {
		c.Connection.MaxRetries = DefaultReconnectRetries
	} else if c.Connection.MaxRetries < 0 {
		c.Connection.MaxRetries = 0
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultConnBufferSize
	}

	// Session defaults
	if c.Session.RefreshInterval == 0 {
		c.Session.RefreshInterval = DefaultRefreshInterval
	}
	if c.Session.PruneInterval == 0 {
		c.Session.PruneInterval = DefaultPruneInterval
	}
	if c.Session.RateLimitWindow == 0 {
		c.Session.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.Session.MaxFailedAttempts == 0 {
		c.Session.MaxFailedAttempts = DefaultMaxFailedAttempts
	}

	// Storage defaults
	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultStorageDriver
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = DefaultSQLitePath
	}
	if c.Storage.Driver == "postgres" {
		applyDBDefaults(&c.Storage.Postgres)
	}

	// Audit defaults
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = DefaultAuditBatchSize
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = DefaultAuditFlushInterval
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = DefaultAuditBufferSize
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
