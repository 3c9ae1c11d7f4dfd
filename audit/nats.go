package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DefaultSubjectPrefix is the subject prefix events are published under.
const DefaultSubjectPrefix = "tzdriver.audit"

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	SubjectPrefix   string `yaml:"subject_prefix"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// Publisher is the subset of a NATS connection the reporter needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSReporter publishes events as JSON to "<prefix>.<event type>".
type NATSReporter struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// NewNATSReporter wraps an existing publisher.
func NewNATSReporter(pub Publisher, prefix string) *NATSReporter {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSReporter{pub: pub, prefix: prefix}
}

// DialNATS connects to NATS and returns a reporter that owns the connection.
func DialNATS(name string, cfg NATSConfig) (*NATSReporter, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	r := NewNATSReporter(conn, cfg.SubjectPrefix)
	r.conn = conn
	return r, nil
}

// Subject returns the subject an event type is published on.
func (r *NATSReporter) Subject(t EventType) string {
	return r.prefix + "." + string(t)
}

// Report implements Reporter. Publish failures are logged and dropped.
func (r *NATSReporter) Report(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to marshal audit event")
		return
	}
	if err := r.pub.Publish(r.Subject(ev.Type), data); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to publish audit event")
	}
}

// Close drains and closes the connection if the reporter owns one.
func (r *NATSReporter) Close() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
	}
}

// Status returns the connection status
func (r *NATSReporter) Status() string {
	if r.conn == nil {
		return "external"
	}
	switch r.conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}
