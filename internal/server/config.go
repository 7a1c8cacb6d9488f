package server

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime-tunable parameter of the trading server. The
// protocol itself takes no flags (see internal/wire); operators override
// these through environment variables prefixed MATCHENG_ instead.
type Config struct {
	BindAddr                 string
	AdminAddr                string
	MaxMessageSize           int
	HeaderTimeout            time.Duration
	TradeLogPath             string
	TradeChannelCapacity     int
	NotificationSinkCapacity int
}

// LoadConfig builds a Config from defaults overridden by MATCHENG_* env vars.
func LoadConfig() Config {
	v := viper.New()
	v.SetEnvPrefix("matcheng")
	v.AutomaticEnv()

	v.SetDefault("bind_addr", "127.0.0.1:8080")
	v.SetDefault("admin_addr", "127.0.0.1:9090")
	v.SetDefault("max_message_size", 1048576)
	v.SetDefault("header_timeout", 2*time.Second)
	v.SetDefault("trade_log_path", "trades.log")
	v.SetDefault("trade_channel_capacity", 100)
	v.SetDefault("notification_sink_capacity", 6)

	return Config{
		BindAddr:                 v.GetString("bind_addr"),
		AdminAddr:                v.GetString("admin_addr"),
		MaxMessageSize:           v.GetInt("max_message_size"),
		HeaderTimeout:            v.GetDuration("header_timeout"),
		TradeLogPath:             v.GetString("trade_log_path"),
		TradeChannelCapacity:     v.GetInt("trade_channel_capacity"),
		NotificationSinkCapacity: v.GetInt("notification_sink_capacity"),
	}
}
