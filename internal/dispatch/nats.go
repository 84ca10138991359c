package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Mirror republishes every dispatched action to a NATS subject so other
// processes can observe the engine. Publication is fire and forget: a
// broken connection never blocks or fails the local dispatch path.
type Mirror struct {
	inner  Dispatcher
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// NewMirror connects to NATS and wraps inner. Actions flow to inner first,
// then to the subject "<prefix>.<action-type>".
func NewMirror(inner Dispatcher, url, prefix string, log *slog.Logger) (*Mirror, error) {
	if log == nil {
		log = slog.Default()
	}
	if prefix == "" {
		prefix = "mirage.actions"
	}
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch: connect nats %s: %w", url, err)
	}
	return &Mirror{inner: inner, conn: conn, prefix: prefix, log: log}, nil
}

func (m *Mirror) Dispatch(action Action) {
	if m.inner != nil {
		m.inner.Dispatch(action)
	}

	data, err := json.Marshal(action)
	if err != nil {
		m.log.Warn("marshalling action for mirror", "type", action.Type, "error", err)
		return
	}
	subject := m.prefix + "." + subjectToken(string(action.Type))
	if err := m.conn.Publish(subject, data); err != nil {
		m.log.Warn("mirroring action", "subject", subject, "error", err)
	}
}

func (m *Mirror) Close() {
	m.conn.Drain()
}

// subjectToken strips the action prefix and lowers the rest into a NATS
// subject token, e.g. "@mirage/LISTENER_RESPONSE" -> "listener_response".
func subjectToken(actionType string) string {
	if i := strings.LastIndex(actionType, "/"); i >= 0 {
		actionType = actionType[i+1:]
	}
	return strings.ToLower(actionType)
}
