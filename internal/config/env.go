package config

import (
	"strconv"
	"strings"
	"time"
)

// applyEnvironment layers deployment environment variables over the file
// configuration. Variables follow the operational contract shared with the
// other tradingV3 services; set values always win over YAML.
func (c *AppConfig) applyEnvironment(getenv func(string) string) {
	setString(getenv, "DB_HOST", &c.Database.Host)
	setInt(getenv, "DB_PORT", &c.Database.Port)
	setString(getenv, "DB_USER", &c.Database.User)
	setString(getenv, "DB_PASSWORD", &c.Database.Password)
	setString(getenv, "DB_NAME", &c.Database.Name)
	if hostProvided(getenv) {
		// Component parts override a stale DSN from the file.
		c.Database.DSN = ""
	}

	setString(getenv, "BITMART_API_KEY", &c.Bitmart.APIKey)
	setString(getenv, "BITMART_SECRET_KEY", &c.Bitmart.SecretKey)
	setString(getenv, "BITMART_API_MEMO", &c.Bitmart.APIMemo)
	setString(getenv, "BITMART_WS_URL", &c.Bitmart.WSURL)
	setString(getenv, "BITMART_REST_URL", &c.Bitmart.RESTURL)
	if raw := strings.TrimSpace(getenv("BITMART_WS_CHANNELS")); raw != "" {
		channels := make([]string, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				channels = append(channels, trimmed)
			}
		}
		if len(channels) > 0 {
			c.Bitmart.Channels = channels
		}
	}
	setSeconds(getenv, "BITMART_WS_PING_SECONDS", &c.Bitmart.PingInterval)
	setSeconds(getenv, "BITMART_POLL_SECONDS", &c.Bitmart.PollInterval)

	setString(getenv, "LOG_LEVEL", &c.Logging.Level)
	setString(getenv, "BITMART_SYNC_HOST", &c.Sync.Host)
	setInt(getenv, "BITMART_SYNC_PORT", &c.Sync.Port)
	setBool(getenv, "BITMART_AUTO_START", &c.Sync.AutoStart)

	setString(getenv, "DISPATCHER_LISTEN_ADDR", &c.Dispatcher.ListenAddr)
	setString(getenv, "OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
}

func hostProvided(getenv func(string) string) bool {
	for _, key := range []string{"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME"} {
		if strings.TrimSpace(getenv(key)) != "" {
			return true
		}
	}
	return false
}

func setString(getenv func(string) string, key string, dst *string) {
	if value := strings.TrimSpace(getenv(key)); value != "" {
		*dst = value
	}
}

func setInt(getenv func(string) string, key string, dst *int) {
	value := strings.TrimSpace(getenv(key))
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return
	}
	*dst = parsed
}

func setSeconds(getenv func(string) string, key string, dst *time.Duration) {
	value := strings.TrimSpace(getenv(key))
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return
	}
	*dst = time.Duration(parsed) * time.Second
}

func setBool(getenv func(string) string, key string, dst *bool) {
	value := strings.ToLower(strings.TrimSpace(getenv(key)))
	if value == "" {
		return
	}
	switch value {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
