package push

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nats-io/nats.go"

	"github.com/pansacloud/gateway/internal/logging"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSEmitter publishes lifecycle events as core NATS messages on
// <prefix>.<event>, with ':' in the event name replaced by '.'
// (wa:status goes to gateway.wa.status).
type NATSEmitter struct {
	pub    publisher
	nc     *nats.Conn
	prefix string
	logger log.Logger
}

// ConnectNATS dials url and returns an emitter publishing under prefix.
func ConnectNATS(url, prefix string, logger log.Logger) (*NATSEmitter, error) {
	logger = logging.Component(logger, "nats")
	nc, err := nats.Connect(url,
		nats.Name("wa-gateway"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				level.Warn(logger).Log("msg", "nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			level.Info(logger).Log("msg", "nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	level.Info(logger).Log("msg", "connected to nats", "url", nc.ConnectedUrl(), "prefix", prefix)

	e := newNATSEmitter(nc, prefix, logger)
	e.nc = nc
	return e, nil
}

func newNATSEmitter(pub publisher, prefix string, logger log.Logger) *NATSEmitter {
	return &NATSEmitter{pub: pub, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject returns the subject event is published on.
func (e *NATSEmitter) Subject(event string) string {
	return e.prefix + "." + strings.ReplaceAll(event, ":", ".")
}

// Emit implements wa.Emitter. Core NATS publishes are buffered by the
// client, so this does not wait on the network.
func (e *NATSEmitter) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		level.Error(e.logger).Log("msg", "failed to encode nats event", "event", event, "err", err)
		return
	}
	if err := e.pub.Publish(e.Subject(event), data); err != nil {
		level.Warn(e.logger).Log("msg", "failed to publish event", "event", event, "err", err)
	}
}

// Close flushes pending messages and closes the connection.
func (e *NATSEmitter) Close() error {
	if e.nc == nil {
		return nil
	}
	return e.nc.Drain()
}
