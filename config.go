// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hono holds the configuration of the CoAP protocol adapter.
package hono

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/frankhornung/hono/pkg/breaker"
	"github.com/frankhornung/hono/pkg/ratelimit"
	"github.com/frankhornung/hono/pkg/tracing"
	"github.com/frankhornung/hono/pkg/upload/mqtt"
	"github.com/pion/dtls/v3"
)

// DTLS authentication modes.
const (
	DTLSModeNone = ""
	DTLSModePSK  = "psk"
	DTLSModeX509 = "x509"
)

// Config is the adapter configuration.
type Config struct {
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"json"`
	MetricsAddress  string        `env:"METRICS_ADDRESS"  envDefault:":9090"`
	HealthAddress   string        `env:"HEALTH_ADDRESS"   envDefault:":8080"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT"  envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	CoAP        CoAPConfig       `envPrefix:"COAP_"`
	DTLS        DTLSConfig       `envPrefix:"DTLS_"`
	Credentials CredentialConfig `envPrefix:"CREDENTIALS_"`
	MQTT        mqtt.Config      `envPrefix:"MQTT_"`
	Breaker     breaker.Config   `envPrefix:"BREAKER_"`
	RateLimit   ratelimit.Config `envPrefix:"RATE_LIMIT_"`
	Tracing     tracing.Config   `envPrefix:"TRACING_"`
}

// CoAPConfig configures the plain UDP listener.
type CoAPConfig struct {
	Address        string `env:"ADDRESS"          envDefault:":5683"`
	MaxMessageSize uint32 `env:"MAX_MESSAGE_SIZE" envDefault:"65536"`
}

// DTLSConfig configures the secure listener.
type DTLSConfig struct {
	Address  string `env:"ADDRESS"   envDefault:":5684"`
	Mode     string `env:"MODE"      envDefault:""`
	CertFile string `env:"CERT_FILE" envDefault:""`
	KeyFile  string `env:"KEY_FILE"  envDefault:""`
	CAFile   string `env:"CA_FILE"   envDefault:""`
}

// CredentialConfig selects the credentials store. A non-empty RedisURL takes
// precedence over File.
type CredentialConfig struct {
	File             string        `env:"FILE"               envDefault:"credentials.yaml"`
	RedisURL         string        `env:"REDIS_URL"          envDefault:""`
	RedisKeyPrefix   string        `env:"REDIS_KEY_PREFIX"   envDefault:"hono:credentials:"`
	PSKLookupTimeout time.Duration `env:"PSK_LOOKUP_TIMEOUT" envDefault:"5s"`
}

// NewConfig parses the environment into a Config.
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	switch cfg.DTLS.Mode {
	case DTLSModeNone, DTLSModePSK, DTLSModeX509:
	default:
		return Config{}, fmt.Errorf("unknown DTLS mode %q", cfg.DTLS.Mode)
	}
	return cfg, nil
}

// PSKCallback resolves a client PSK identity to its key.
type PSKCallback func(identity []byte) ([]byte, error)

// Load builds the pion DTLS configuration. It returns nil if DTLS is
// disabled. psk is used in PSK mode only.
func (c DTLSConfig) Load(psk PSKCallback) (*dtls.Config, error) {
	switch c.Mode {
	case DTLSModeNone:
		return nil, nil
	case DTLSModePSK:
		if psk == nil {
			return nil, errors.New("PSK mode requires a key lookup")
		}
		return &dtls.Config{
			PSK: dtls.PSKCallback(psk),
			CipherSuites: []dtls.CipherSuiteID{
				dtls.TLS_PSK_WITH_AES_128_CCM_8,
				dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
			},
			ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		}, nil
	case DTLSModeX509:
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load DTLS certificate: %w", err)
		}
		ca, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read DTLS CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		return &dtls.Config{
			Certificates:         []tls.Certificate{cert},
			ClientAuth:           dtls.RequireAndVerifyClientCert,
			ClientCAs:            pool,
			ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		}, nil
	default:
		return nil, fmt.Errorf("unknown DTLS mode %q", c.Mode)
	}
}
