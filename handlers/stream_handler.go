package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/upb/audit-pipeline/middleware"
	"github.com/upb/audit-pipeline/services"
	"github.com/upb/audit-pipeline/services/broadcast"
	"github.com/upb/audit-pipeline/utils"
	"go.uber.org/zap"
)

const (
	// Maximum message size allowed from peer. Clients only send control frames.
	maxMessageSize = 512

	// CloseReasonSlowConsumer is sent with close code 1008 when a subscriber lags
	CloseReasonSlowConsumer = "slow consumer"
)

// LiveSubscriber defines the interface for the live broadcast registry
type LiveSubscriber interface {
	Subscribe(tenantID string, filter broadcast.Filter) (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
}

// StreamConfig holds WebSocket keepalive timings
type StreamConfig struct {
	WriteWait  time.Duration // Time allowed to write a message to the peer
	PongWait   time.Duration // Time allowed to read the next pong message from the peer
	PingPeriod time.Duration // Must be less than PongWait
}

// DefaultStreamConfig returns the default timings
func DefaultStreamConfig() StreamConfig {
	pongWait := 60 * time.Second
	return StreamConfig{
		WriteWait:  10 * time.Second,
		PongWait:   pongWait,
		PingPeriod: (pongWait * 9) / 10,
	}
}

// StreamHandler upgrades requests to WebSocket and relays a tenant's live events
type StreamHandler struct {
	hub      LiveSubscriber
	logger   *zap.Logger
	cfg      StreamConfig
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler
func NewStreamHandler(hub LiveSubscriber, cfg StreamConfig, logger *zap.Logger) *StreamHandler {
	d := DefaultStreamConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = d.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = d.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}

	return &StreamHandler{
		hub:    hub,
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the gateway in front of the pipeline
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleStream handles GET /api/v1/stream.
// The subscription is taken before the upgrade so a full hub answers 503.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	filter := broadcast.Filter{
		Action:       r.URL.Query().Get("action"),
		ResourceType: r.URL.Query().Get("resource_type"),
	}

	sub, err := h.hub.Subscribe(identity.TenantID, filter)
	if err != nil {
		if errors.Is(err, broadcast.ErrHubClosed) {
			err = services.WrapError(services.ErrorTypeCapacityExceeded, "live stream is shutting down", err)
		}
		HandleServiceError(w, err, h.logger)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		h.hub.Unsubscribe(sub)
		h.logger.Warn("failed to upgrade websocket connection",
			zap.String("request_id", requestID),
			zap.Error(err))
		return
	}

	logger := h.logger.With(
		zap.String("request_id", requestID),
		zap.String("tenant_id", identity.TenantID),
		zap.String("subscription_id", sub.ID().String()))
	logger.Debug("live stream opened")

	go h.writePump(conn, sub, logger)
	go h.readPump(conn, sub, logger)
}

// readPump only services control frames. Any read error ends the subscription.
func (h *StreamHandler) readPump(conn *websocket.Conn, sub *broadcast.Subscription, logger *zap.Logger) {
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes events as JSON text frames and pings on PingPeriod
func (h *StreamHandler) writePump(conn *websocket.Conn, sub *broadcast.Subscription, logger *zap.Logger) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				h.writeClose(conn, sub, logger)
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				h.hub.Unsubscribe(sub)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Unsubscribe(sub)
				return
			}
		}
	}
}

func (h *StreamHandler) writeClose(conn *websocket.Conn, sub *broadcast.Subscription, logger *zap.Logger) {
	code, reason := websocket.CloseNormalClosure, ""
	if services.IsSlowConsumerError(sub.Err()) {
		code, reason = websocket.ClosePolicyViolation, CloseReasonSlowConsumer
		logger.Warn("closing live stream for slow consumer", zap.Int64("dropped", sub.Dropped()))
	} else {
		logger.Debug("live stream closed")
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(h.cfg.WriteWait))
}
