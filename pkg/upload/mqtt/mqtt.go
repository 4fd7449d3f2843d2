// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt forwards device messages to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/frankhornung/hono/pkg/device"
	"github.com/frankhornung/hono/pkg/errors"
	"github.com/frankhornung/hono/pkg/handler"
	"github.com/frankhornung/hono/pkg/tracing"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Config holds the MQTT uploader configuration.
type Config struct {
	BrokerURL      string        `env:"BROKER_URL"      envDefault:""`
	ClientID       string        `env:"CLIENT_ID"       envDefault:""`
	Username       string        `env:"USERNAME"        envDefault:""`
	Password       string        `env:"PASSWORD"        envDefault:""`
	QoS            byte          `env:"QOS"             envDefault:"1"`
	TopicPrefix    string        `env:"TOPIC_PREFIX"    envDefault:""`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"5s"`
}

// Publisher is the part of the paho client used for uploads.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Message is the JSON document published for every upload. Resource holds
// the URI segments following the device id, such as the request id and
// status of a command response.
type Message struct {
	TenantID    string            `json:"tenant_id"`
	DeviceID    string            `json:"device_id"`
	GatewayID   string            `json:"gateway_id,omitempty"`
	Resource    []string          `json:"resource,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Timestamp   int64             `json:"timestamp"`
}

// Uploader publishes telemetry, events and command responses to MQTT topics
// of the form <prefix><class>/<tenant>/<device>.
type Uploader struct {
	client  Publisher
	qos     byte
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

var _ handler.Uploader = (*Uploader)(nil)

// NewUploader creates an uploader publishing through client.
func NewUploader(client Publisher, cfg Config, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Uploader{
		client:  client,
		qos:     cfg.QoS,
		prefix:  cfg.TopicPrefix,
		timeout: cfg.PublishTimeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Connect creates a paho client and connects it to the broker.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (pahomqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
		}).
		SetOnConnectHandler(func(pahomqtt.Client) {
			logger.Info("MQTT connected", slog.String("broker", cfg.BrokerURL))
		})

	client := pahomqtt.NewClient(opts)
	if err := wait(ctx, client.Connect(), cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.BrokerURL, err)
	}
	return client, nil
}

// UploadTelemetry implements handler.Uploader.
func (u *Uploader) UploadTelemetry(ctx context.Context, rc *handler.Context) (codes.Code, error) {
	return u.publish(ctx, "telemetry", rc, rc.Origin, rc.Auth)
}

// UploadEvent implements handler.Uploader.
func (u *Uploader) UploadEvent(ctx context.Context, rc *handler.Context) (codes.Code, error) {
	return u.publish(ctx, "event", rc, rc.Origin, rc.Auth)
}

// UploadCommandResponse implements handler.Uploader.
func (u *Uploader) UploadCommandResponse(ctx context.Context, rc *handler.Context, origin device.Device, authenticated device.Auth) (codes.Code, error) {
	return u.publish(ctx, "command_response", rc, origin, authenticated)
}

func (u *Uploader) publish(ctx context.Context, class string, rc *handler.Context, origin device.Device, authenticated device.Auth) (codes.Code, error) {
	msg := Message{
		TenantID:   origin.TenantID,
		DeviceID:   origin.DeviceID,
		Resource:   rc.Resource.Remainder,
		Payload:    rc.Exchange.Payload,
		Properties: properties(rc),
		Timestamp:  u.now().UnixMilli(),
	}
	if len(rc.Exchange.Payload) > 0 {
		msg.ContentType = rc.Exchange.ContentFormat.String()
	}
	if gw, ok := authenticated.Device(); ok && gw != origin {
		msg.GatewayID = gw.DeviceID
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	topic := u.Topic(class, origin)
	if err := wait(ctx, u.client.Publish(topic, u.qos, false, data), u.timeout); err != nil {
		u.logger.Warn("failed to publish message",
			slog.String("topic", topic),
			slog.String("exchange", rc.Exchange.ID),
			slog.String("error", err.Error()))
		return 0, err
	}

	u.logger.Debug("message published",
		slog.String("topic", topic),
		slog.String("exchange", rc.Exchange.ID),
		slog.Int("payload_size", len(rc.Exchange.Payload)))
	return codes.Changed, nil
}

// Topic returns the topic messages of class from origin are published to.
func (u *Uploader) Topic(class string, origin device.Device) string {
	return u.prefix + class + "/" + origin.TenantID + "/" + origin.DeviceID
}

// properties carries the URI query options and the trace context.
func properties(rc *handler.Context) map[string]string {
	props := tracing.Inject(rc.SpanContext)
	for _, q := range rc.Exchange.Queries {
		k, v, _ := strings.Cut(q, "=")
		if k != "" {
			props[k] = v
		}
	}
	if len(props) == 0 {
		return nil
	}
	return props
}

func wait(ctx context.Context, tok pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrBackendUnavailable, err)
		}
		return nil
	case <-timer.C:
		return errors.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
