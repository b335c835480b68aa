package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// PingPublisher fans newly stored pings out to other consumers
type PingPublisher interface {
	Publish(p Ping) error
	Close()
}

// nopPublisher is used when no broker is configured
type nopPublisher struct{}

func (nopPublisher) Publish(Ping) error { return nil }
func (nopPublisher) Close()             {}

// natsPublisher publishes each ping as JSON on <prefix>.<owner>
type natsPublisher struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

const defaultSubjectPrefix = "dse.pings"

func connectNATS(cfg *NATSConfig, logger zerolog.Logger) (*natsPublisher, error) {
	opts := []nats.Option{
		nats.Name("dsetrack"),
		nats.Timeout(10 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	return &natsPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// subjectToken replaces characters that carry meaning in a NATS subject
var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func pingSubject(prefix, owner string) string {
	return prefix + "." + subjectToken.Replace(owner)
}

func (n *natsPublisher) Publish(p Ping) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode ping: %w", err)
	}
	return n.nc.Publish(pingSubject(n.prefix, p.OwnerID), data)
}

func (n *natsPublisher) Close() {
	if err := n.nc.Drain(); err != nil {
		n.logger.Warn().Err(err).Msg("nats drain failed")
		n.nc.Close()
	}
}
