package wingcache

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go"
)

const maxControlBody = 1 << 20

func (c *Controller) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(c.handleBytes(r.Context(), raw))
}

// ServeNATS answers control messages published on subject. The reply subject
// of each message is its reply channel; messages without one are handled and
// their response discarded.
func (c *Controller) ServeNATS(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	return nc.Subscribe(subject, c.natsHandler(nc.Publish))
}

func (c *Controller) natsHandler(publish func(subject string, data []byte) error) nats.MsgHandler {
	return func(m *nats.Msg) {
		out := c.handleBytes(c.svc.baseCtx, m.Data)
		if m.Reply == "" {
			return
		}
		if err := publish(m.Reply, out); err != nil {
			c.logger.Warn("control reply over nats failed", slog.String("subject", m.Reply), slog.String("error", err.Error()))
		}
	}
}
