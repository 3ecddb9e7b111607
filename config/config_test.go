package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const jsonConfig = `{
	"domains": [
		{
			"elb": {
				"name": "web-elb",
				"listener": {
					"load_balancer_port": 8443,
					"instance_port": 8080,
					"instance_protocol": "https"
				}
			},
			"hosts": ["www.example.com", "example.com"],
			"key_type": "ecdsa"
		}
	],
	"acme_account_key": "file:///etc/acme/account.pem",
	"acme_directory_url": "https://acme-staging.api.letsencrypt.org/directory",
	"cert_privatekey_path": "/etc/certs/privkey.pem",
	"cert_fullchain_path": "/etc/certs/fullchain.pem",
	"dns_ttl_seconds": 60,
	"propagation_poll_interval_seconds": 10,
	"propagation_timeout_seconds": 300,
	"renewal_threshold_days": 30,
	"notification_sns_topic_arn": "arn:aws:sns:us-east-1:123:certs"
}`

const yamlConfig = `
domains:
  - elb:
      name: web-elb
    hosts:
      - www.example.com
acme_account_key: s3://bucket/account.pem
cert_privatekey_path: /etc/certs/privkey.pem
cert_fullchain_path: /etc/certs/fullchain.pem
`

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(jsonConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Domains, 1)
	d := cfg.Domains[0]
	require.Equal(t, "web-elb", d.ELB.Name)
	require.Equal(t, int64(8443), d.ELB.Listener.LoadBalancerPort)
	require.Equal(t, int64(8080), d.ELB.Listener.InstancePort)
	require.Equal(t, "https", d.ELB.Listener.InstanceProtocol)
	require.Equal(t, []string{"www.example.com", "example.com"}, d.Hosts)
	require.Equal(t, "ecdsa", d.KeyType)

	require.Equal(t, "file:///etc/acme/account.pem", cfg.ACMEAccountKey)
	require.Equal(t,
		"https://acme-staging.api.letsencrypt.org/directory",
		cfg.ACMEDirectoryURL,
	)
	require.Equal(t, "arn:aws:sns:us-east-1:123:certs", cfg.NotificationSNSTopicARN)

	require.Equal(t, 10*time.Second, cfg.PollInterval())
	require.Equal(t, 5*time.Minute, cfg.PropagationTimeout())
	require.Equal(t, 30*24*time.Hour, cfg.RenewalThreshold())
}

func TestParseYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(yamlConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, DefaultACMEDirectoryURL, cfg.ACMEDirectoryURL)
	require.Equal(t, int64(30), cfg.DNSTTLSeconds)
	require.Equal(t, 5*time.Second, cfg.PollInterval())
	require.Equal(t, time.Duration(0), cfg.PropagationTimeout())
	require.Equal(t, 45*24*time.Hour, cfg.RenewalThreshold())

	d := cfg.Domains[0]
	require.Equal(t, "rsa", d.KeyType)
	require.Equal(t, int64(443), d.ELB.Listener.LoadBalancerPort)
	require.Equal(t, int64(80), d.ELB.Listener.InstancePort)
	require.Equal(t, "http", d.ELB.Listener.InstanceProtocol)
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"domains": [`))
	require.Error(t, err)
}

var validateTestCases = []struct {
	name    string
	mutate  func(*Config)
	wantErr string
}{
	{
		name:    "no domains",
		mutate:  func(c *Config) { c.Domains = nil },
		wantErr: "no domain entries",
	},
	{
		name:    "missing elb name",
		mutate:  func(c *Config) { c.Domains[0].ELB.Name = "" },
		wantErr: "no ELB name",
	},
	{
		name:    "missing hosts",
		mutate:  func(c *Config) { c.Domains[0].Hosts = nil },
		wantErr: "no hosts",
	},
	{
		name:    "bad key type",
		mutate:  func(c *Config) { c.Domains[0].KeyType = "dsa" },
		wantErr: "invalid key type",
	},
	{
		name:    "missing account key",
		mutate:  func(c *Config) { c.ACMEAccountKey = "" },
		wantErr: "acme_account_key",
	},
	{
		name:    "missing private key path",
		mutate:  func(c *Config) { c.PrivateKeyPath = "" },
		wantErr: "cert_privatekey_path",
	},
	{
		name:    "missing fullchain path",
		mutate:  func(c *Config) { c.FullchainPath = "" },
		wantErr: "cert_fullchain_path",
	},
}

func TestValidate(t *testing.T) {
	for _, tc := range validateTestCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(jsonConfig))
			require.NoError(t, err)

			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv(EnvConfig, yamlConfig)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "web-elb", cfg.Domains[0].ELB.Name)
}

func TestLoadMissingEnvironment(t *testing.T) {
	t.Setenv(EnvConfig, "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), EnvConfig)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "s3://bucket/account.pem", cfg.ACMEAccountKey)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
