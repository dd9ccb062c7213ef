package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/rabbitmq/amqp091-go"

	"locstream/internal/deadletter"
)

type Config struct {
	Enabled        bool
	URL            string
	Endpoints      []string
	Exchange       string
	RoutingKey     string
	ConfirmTimeout time.Duration
	TLS            TLSConfig
	Auth           AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.RoutingKey == "" {
		c.RoutingKey = "driver-location-updates.dead"
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// Sink publishes dead letters to a durable topic exchange and waits for the
// broker's publisher confirm before returning.
type Sink struct {
	cfg Config
	log logr.Logger

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel

	publish func(ctx context.Context, msg amqp091.Publishing) (bool, error)
}

var ErrNotConnected = errors.New("rabbitmq sink not connected")

// ErrNacked is returned when the broker refused a dead letter.
var ErrNacked = errors.New("rabbitmq nacked dead letter")

func NewSink(cfg Config, log logr.Logger) (*Sink, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sink{cfg: cfg, log: log.WithName("deadletter").WithName("rabbitmq")}
	s.publish = s.publishConfirmed
	return s, nil
}

func (s *Sink) Connect(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if s.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: s.cfg.Auth.Username, Password: s.cfg.Auth.Password}}
	}
	if tlsCfg, err := s.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(s.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	s.mu.Lock()
	s.conn, s.ch = conn, ch
	s.mu.Unlock()
	s.log.Info("connected", "exchange", s.cfg.Exchange, "routing_key", s.cfg.RoutingKey)
	return nil
}

func (s *Sink) Send(ctx context.Context, l deadletter.Letter) error {
	ok, err := s.publish(ctx, toPublishing(l))
	if err != nil {
		return fmt.Errorf("publish dead letter partition=%d offset=%d: %w", l.Partition, l.Offset, err)
	}
	if !ok {
		return fmt.Errorf("%w: partition=%d offset=%d", ErrNacked, l.Partition, l.Offset)
	}
	return nil
}

func (s *Sink) publishConfirmed(ctx context.Context, msg amqp091.Publishing) (bool, error) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return false, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, s.cfg.Exchange, s.cfg.RoutingKey, false, false, msg)
	if err != nil {
		return false, err
	}
	return dc.WaitContext(ctx)
}

func toPublishing(l deadletter.Letter) amqp091.Publishing {
	at := l.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return amqp091.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    at,
		Body:         l.Raw,
		Headers: amqp091.Table{
			"error":     l.Reason(),
			"partition": int64(l.Partition),
			"offset":    l.Offset,
			"key":       string(l.Key),
		},
	}
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.ch, s.conn = nil, nil
	return errors.Join(errs...)
}

func (s *Sink) buildTLSConfig() (*tls.Config, error) {
	if !s.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: s.cfg.TLS.InsecureSkipVerify, ServerName: s.cfg.TLS.ServerName}
	if s.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(s.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if s.cfg.TLS.CertFile != "" || s.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
