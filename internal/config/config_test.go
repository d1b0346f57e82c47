package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "default port range matches spec budget",
			check:  func(c *Config) bool { return c.PortRangeLow == 49200 && c.PortRangeHigh == 49999 },
			expect: "49200-49999",
		},
		{
			name:   "default startup timeout is 30s",
			check:  func(c *Config) bool { return c.StartupTimeoutSeconds == 30 },
			expect: "30",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestOAuthCredentialsReadsDynamicKeys(t *testing.T) {
	t.Setenv("OAUTH_GITHUB_CLIENT_ID", "cid")
	t.Setenv("OAUTH_GITHUB_CLIENT_SECRET", "csecret")

	creds := OAuthCredentials([]string{"github", "slack"})
	if creds["github"].ClientID != "cid" || creds["github"].ClientSecret != "csecret" {
		t.Fatalf("github creds = %+v", creds["github"])
	}
	if creds["slack"].ClientID != "" {
		t.Fatalf("expected empty creds for unset provider, got %+v", creds["slack"])
	}
}

func TestWebhookSecretsReadsDynamicKeys(t *testing.T) {
	t.Setenv("WEBHOOK_RAZORPAY_SECRET", "whsec_abc")

	secrets := WebhookSecrets([]string{"razorpay", "stripe"})
	if secrets["razorpay"] != "whsec_abc" {
		t.Fatalf("razorpay secret = %q", secrets["razorpay"])
	}
	if secrets["stripe"] != "" {
		t.Fatalf("expected empty secret for unset gateway, got %q", secrets["stripe"])
	}
}
