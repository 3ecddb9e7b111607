// Package config loads and validates the renewal configuration
// document. The document is JSON in the LETSENCRYPT_AWS_CONFIG
// environment variable, or a JSON or YAML file on disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

const (
	// EnvConfig holds the configuration document for env-based runs.
	EnvConfig = "LETSENCRYPT_AWS_CONFIG"

	DefaultACMEDirectoryURL = "https://acme-v01.api.letsencrypt.org/directory"

	defaultLoadBalancerPort = 443
	defaultInstancePort     = 80
	defaultInstanceProtocol = "http"
	defaultKeyType          = "rsa"
	defaultDNSTTLSeconds    = 30
	defaultPollSeconds      = 5
	defaultThresholdDays    = 45
)

type ListenerSpec struct {
	LoadBalancerPort int64  `mapstructure:"load_balancer_port"`
	InstancePort     int64  `mapstructure:"instance_port"`
	InstanceProtocol string `mapstructure:"instance_protocol"`
}

type ELB struct {
	Name     string       `mapstructure:"name"`
	Listener ListenerSpec `mapstructure:"listener"`
}

// DomainEntry declares one certificate to issue and rotate. The first
// host becomes the certificate common name; the full host list, in
// order, becomes the SAN list.
type DomainEntry struct {
	ELB     ELB      `mapstructure:"elb"`
	Hosts   []string `mapstructure:"hosts"`
	KeyType string   `mapstructure:"key_type"`
}

type Config struct {
	Domains          []DomainEntry `mapstructure:"domains"`
	ACMEAccountKey   string        `mapstructure:"acme_account_key"`
	ACMEDirectoryURL string        `mapstructure:"acme_directory_url"`
	PrivateKeyPath   string        `mapstructure:"cert_privatekey_path"`
	FullchainPath    string        `mapstructure:"cert_fullchain_path"`

	DNSTTLSeconds             int64 `mapstructure:"dns_ttl_seconds"`
	PropagationPollSeconds    int64 `mapstructure:"propagation_poll_interval_seconds"`
	PropagationTimeoutSeconds int64 `mapstructure:"propagation_timeout_seconds"`
	RenewalThresholdDays      int64 `mapstructure:"renewal_threshold_days"`

	NotificationSNSTopicARN string `mapstructure:"notification_sns_topic_arn"`
}

// Parse decodes a configuration document. JSON documents must start
// with '{'; anything else is treated as YAML.
func Parse(data []byte) (*Config, error) {
	raw := make(map[string]interface{})

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing JSON configuration: %w", err)
		}
	} else {
		var yamlRaw map[interface{}]interface{}
		if err := yaml.Unmarshal(data, &yamlRaw); err != nil {
			return nil, fmt.Errorf("parsing YAML configuration: %w", err)
		}
		raw = stringifyKeys(yamlRaw)
	}

	var cfg Config
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Load reads the configuration document from the environment.
func Load() (*Config, error) {
	doc, ok := os.LookupEnv(EnvConfig)
	if !ok || doc == "" {
		return nil, fmt.Errorf("environment variable %q not set", EnvConfig)
	}
	return Parse([]byte(doc))
}

// LoadFile reads the configuration document from a file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file: %w", err)
	}
	return Parse(data)
}

func (c *Config) applyDefaults() {
	if c.ACMEDirectoryURL == "" {
		c.ACMEDirectoryURL = DefaultACMEDirectoryURL
	}
	if c.DNSTTLSeconds == 0 {
		c.DNSTTLSeconds = defaultDNSTTLSeconds
	}
	if c.PropagationPollSeconds == 0 {
		c.PropagationPollSeconds = defaultPollSeconds
	}
	if c.RenewalThresholdDays == 0 {
		c.RenewalThresholdDays = defaultThresholdDays
	}

	for i := range c.Domains {
		d := &c.Domains[i]
		if d.KeyType == "" {
			d.KeyType = defaultKeyType
		}
		if d.ELB.Listener.LoadBalancerPort == 0 {
			d.ELB.Listener.LoadBalancerPort = defaultLoadBalancerPort
		}
		if d.ELB.Listener.InstancePort == 0 {
			d.ELB.Listener.InstancePort = defaultInstancePort
		}
		if d.ELB.Listener.InstanceProtocol == "" {
			d.ELB.Listener.InstanceProtocol = defaultInstanceProtocol
		}
	}
}

// Validate reports configuration problems that would make a rotation
// run fail at startup.
func (c *Config) Validate() error {
	if len(c.Domains) == 0 {
		return fmt.Errorf("configuration has no domain entries")
	}
	for i, d := range c.Domains {
		if d.ELB.Name == "" {
			return fmt.Errorf("domain entry %d has no ELB name", i)
		}
		if len(d.Hosts) == 0 {
			return fmt.Errorf("domain entry for ELB %q has no hosts", d.ELB.Name)
		}
		if d.KeyType != "rsa" && d.KeyType != "ecdsa" {
			return fmt.Errorf(
				"domain entry for ELB %q has invalid key type %q",
				d.ELB.Name, d.KeyType,
			)
		}
	}
	if c.ACMEAccountKey == "" {
		return fmt.Errorf("acme_account_key is not set")
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("cert_privatekey_path is not set")
	}
	if c.FullchainPath == "" {
		return fmt.Errorf("cert_fullchain_path is not set")
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PropagationPollSeconds) * time.Second
}

// PropagationTimeout returns the overall propagation wait bound; zero
// means wait forever.
func (c *Config) PropagationTimeout() time.Duration {
	return time.Duration(c.PropagationTimeoutSeconds) * time.Second
}

func (c *Config) RenewalThreshold() time.Duration {
	return time.Duration(c.RenewalThresholdDays) * 24 * time.Hour
}

// stringifyKeys rewrites the map[interface{}]interface{} trees that
// yaml.v2 produces into the map[string]interface{} shape mapstructure
// expects.
func stringifyKeys(in map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[fmt.Sprintf("%v", k)] = stringifyValue(v)
	}
	return out
}

func stringifyValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[interface{}]interface{}:
		return stringifyKeys(vv)
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = stringifyValue(e)
		}
		return out
	default:
		return v
	}
}
