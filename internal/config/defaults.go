package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
		},
		Feed: FeedConfig{
			ChannelPath:               "chats",
			ResubscribeBackoffSeconds: 1,
			ToleranceMillis:           2000,
		},
		Send: SendConfig{
			TimeoutSeconds: 30,
		},
		Profile: ProfileConfig{
			CachePath: "~/.whatschat/profiles.db",
			TTLHours:  24,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9091,
		},
	}
}
