package config

// Defaults returns a ready-to-run configuration. Paths come back already
// expanded so callers that skip Load (no config file yet) never mkdir a
// literal "~" in the working directory.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  ExpandPath("~/.lrmgateway"),
		},
		WhatsApp: WhatsAppConfig{
			CountryCode: "55",
			Cloud: CloudConfig{
				APIBase: "https://graph.facebook.com/v21.0",
			},
			Web: WebConfig{
				ProfileDir:       ExpandPath("~/.lrmgateway/chrome-profile"),
				Headless:         true,
				QRTimeoutSeconds: 120,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 3001,
		},
		Store: StoreConfig{
			Enabled: true,
			DBPath:  ExpandPath("~/.lrmgateway/messages.db"),
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
