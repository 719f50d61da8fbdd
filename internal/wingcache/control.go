package wingcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Control message types understood by the Controller.
const (
	MsgGetCacheStatus = "GET_CACHE_STATUS"
	MsgClearCache     = "CLEAR_CACHE"
	MsgPrecacheRoutes = "PRECACHE_ROUTES"
	MsgPreloadRoute   = "PRELOAD_ROUTE"
	MsgSync           = "SYNC"
)

type ControlMessage struct {
	Type        string   `json:"type"`
	ClearStatic bool     `json:"clearStatic,omitempty"`
	Routes      []string `json:"routes,omitempty"`
	Route       string   `json:"route,omitempty"`
	Tag         string   `json:"tag,omitempty"`
}

// CacheNames binds the generation store names to their roles.
type CacheNames struct {
	Static  string `json:"static"`
	Dynamic string `json:"dynamic"`
}

type ControlResponse struct {
	Caches  *CacheNames `json:"caches,omitempty"`
	Metrics *Counters   `json:"metrics,omitempty"`
	Success bool        `json:"success,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func errorResponse(err error) ControlResponse {
	return ControlResponse{Error: err.Error()}
}

// Controller answers control messages from the hosting application. Every
// message carries its own reply channel; there is no shared request table.
type Controller struct {
	svc    *Service
	logger *slog.Logger
}

// Handle decodes raw, runs the operation and sends exactly one response on
// reply. Decoding failures and panics become error responses.
func (c *Controller) Handle(ctx context.Context, raw []byte, reply chan<- ControlResponse) {
	resp := c.dispatch(ctx, raw)
	select {
	case reply <- resp:
	case <-ctx.Done():
		c.logger.Warn("control reply dropped", slog.String("error", ctx.Err().Error()))
	}
}

// Post handles raw in the background.
func (c *Controller) Post(ctx context.Context, raw []byte, reply chan<- ControlResponse) {
	c.svc.wg.Add(1)
	go func() {
		defer c.svc.wg.Done()
		c.Handle(ctx, raw, reply)
	}()
}

func (c *Controller) dispatch(ctx context.Context, raw []byte) (resp ControlResponse) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("control handler panicked", slog.Any("panic", r))
			resp = errorResponse(fmt.Errorf("internal error: %v", r))
		}
	}()

	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorResponse(&ControlError{Reason: "malformed message: " + err.Error()})
	}
	c.logger.Debug("control message", slog.String("type", msg.Type))

	switch msg.Type {
	case MsgGetCacheStatus:
		st := c.svc.Status()
		return ControlResponse{Caches: &st.Caches, Metrics: &st.Metrics}

	case MsgClearCache:
		if err := c.svc.ClearCache(msg.ClearStatic); err != nil {
			return errorResponse(err)
		}
		return ControlResponse{Success: true}

	case MsgPrecacheRoutes:
		if err := c.svc.PrecacheRoutes(ctx, msg.Routes); err != nil {
			return errorResponse(err)
		}
		return ControlResponse{Success: true}

	case MsgPreloadRoute:
		if msg.Route == "" {
			return errorResponse(&ControlError{Reason: "PRELOAD_ROUTE needs a route"})
		}
		if err := c.svc.PreloadRoute(msg.Route); err != nil {
			return errorResponse(err)
		}
		return ControlResponse{Success: true}

	case MsgSync:
		if err := c.svc.Sync(ctx, msg.Tag); err != nil {
			return errorResponse(err)
		}
		return ControlResponse{Success: true}

	case "":
		return errorResponse(&ControlError{Reason: "missing message type"})
	}
	return errorResponse(&ControlError{Reason: fmt.Sprintf("unknown message type %q", msg.Type)})
}

// handleBytes is the synchronous byte-in/byte-out form used by transports.
func (c *Controller) handleBytes(ctx context.Context, raw []byte) []byte {
	reply := make(chan ControlResponse, 1)
	c.Handle(ctx, raw, reply)
	var resp ControlResponse
	select {
	case resp = <-reply:
	default:
		resp = errorResponse(errors.New("no reply"))
	}
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(errorResponse(err))
	}
	return b
}
