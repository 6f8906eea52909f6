package transports

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/square-key-labs/callbridge/src/audio"
	"github.com/square-key-labs/callbridge/src/call"
	"github.com/square-key-labs/callbridge/src/frames"
	"github.com/square-key-labs/callbridge/src/logger"
	"github.com/square-key-labs/callbridge/src/metrics"
	"github.com/square-key-labs/callbridge/src/serializers"
)

// Close codes sent when a call cannot be set up
const (
	CloseAdmissionDenied = 4403
	CloseNotFound        = 4404
)

const writeTimeout = 5 * time.Second

// TwilioMediaConfig holds configuration for the carrier media socket
type TwilioMediaConfig struct {
	Registry *call.Registry
	// NewHandler returns an uninitialized handler for a new call
	NewHandler func() *call.Handler
	// SetupTimeout bounds admission plus the engine handshake
	SetupTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *logger.Logger
}

// TwilioMediaTransport accepts carrier media WebSockets and ties each one
// to its call handler
type TwilioMediaTransport struct {
	cfg      TwilioMediaConfig
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewTwilioMediaTransport(cfg TwilioMediaConfig) *TwilioMediaTransport {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 15 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.GetDefault()
	}
	return &TwilioMediaTransport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Carrier connections carry no browser origin
			},
		},
		log: log.WithPrefix("TwilioWS"),
	}
}

// Handle is the echo handler for GET /media/:callId. The businessId query
// parameter starts the call at once; without it the carrier's start event
// must carry one. framing=raw selects bare binary carriers.
func (t *TwilioMediaTransport) Handle(c echo.Context) error {
	callID := c.Param("callId")
	if callID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing call id")
	}
	businessID := c.QueryParam("businessId")

	ws, err := t.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		t.log.Error("Failed to upgrade connection: %v", err)
		return nil
	}
	t.log.Info("New connection from %s call=%s", c.RealIP(), callID)

	framing := serializers.Framing(c.QueryParam("framing"))
	conn := newTwilioConn(ws, serializers.New(framing, callID))
	t.serve(conn, callID, businessID)
	return nil
}

func (t *TwilioMediaTransport) serve(conn *twilioConn, callID, businessID string) {
	log := t.log.WithPrefix(callID)

	var handler *call.Handler
	if businessID != "" {
		if handler = t.setup(conn, callID, businessID); handler == nil {
			return
		}
	}

	for {
		messageType, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("Read error: %v", err)
			}
			break
		}

		ev, err := conn.serializer.Deserialize(messageType, message)
		if err != nil {
			log.Warn("Error parsing message: %v", err)
			continue
		}

		switch ev.Kind {
		case serializers.EventConnected:
			log.Debug("Carrier connected")

		case serializers.EventStart:
			log.Info("Stream started: %s (Call: %s)", ev.StreamSid, ev.CallSid)
			if handler == nil {
				if handler = t.setup(conn, callID, ev.CustomParameters["businessId"]); handler == nil {
					return
				}
			}

		case serializers.EventMedia:
			if handler == nil {
				t.cfg.Metrics.RecordFrameDropped(frames.Inbound.String())
				continue
			}
			handler.HandleIncomingAudio(ev.Audio)

		case serializers.EventMark:
			log.Debug("Mark received: %s", ev.Mark)

		case serializers.EventStop:
			log.Info("Stream stop event received")
			if handler != nil {
				handler.CarrierClosed(conn)
			}
			conn.Close()
			return
		}
	}

	if handler != nil {
		handler.CarrierClosed(conn)
	}
	conn.Close()
}

// setup finds or creates the call's handler and attaches conn to it. On
// failure the socket is closed with a code naming the error and nil is
// returned.
func (t *TwilioMediaTransport) setup(conn *twilioConn, callID, businessID string) *call.Handler {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SetupTimeout)
	defer cancel()

	handler, created, err := t.cfg.Registry.GetOrCreate(ctx, callID, func(ctx context.Context) (*call.Handler, error) {
		h := t.cfg.NewHandler()
		if err := h.AttachCarrier(conn); err != nil {
			return nil, err
		}
		if err := h.Initialize(ctx, callID, businessID); err != nil {
			return nil, err
		}
		return h, nil
	})
	if err == nil && !created {
		err = handler.AttachCarrier(conn)
	}
	if err != nil {
		kind := call.Kind(err)
		t.log.Warn("Call %s setup failed (%s): %v", callID, kind, err)
		t.cfg.Metrics.RecordSetupFailure(kind)
		conn.CloseWithCode(closeCode(err), kind)
		return nil
	}
	return handler
}

func closeCode(err error) int {
	switch {
	case errors.Is(err, call.ErrAdmissionDenied):
		return CloseAdmissionDenied
	case errors.Is(err, call.ErrNotFound), errors.Is(err, call.ErrConfigurationMissing), errors.Is(err, call.ErrCallEnded):
		return CloseNotFound
	default:
		return websocket.CloseInternalServerErr
	}
}

// twilioConn is one carrier media socket. It satisfies call.Carrier.
type twilioConn struct {
	ws         *websocket.Conn
	serializer serializers.CarrierSerializer

	writeMu   sync.Mutex // Protects concurrent WebSocket writes
	closeOnce sync.Once
}

func newTwilioConn(ws *websocket.Conn, serializer serializers.CarrierSerializer) *twilioConn {
	return &twilioConn{ws: ws, serializer: serializer}
}

func (c *twilioConn) SendAudio(payload audio.Mulaw) error {
	messageType, data, err := c.serializer.SerializeAudio(payload)
	if err != nil {
		return err
	}
	return c.write(messageType, data)
}

func (c *twilioConn) Clear() error {
	data, ok, err := c.serializer.SerializeClear()
	if err != nil || !ok {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *twilioConn) Close() error {
	c.CloseWithCode(websocket.CloseNormalClosure, "")
	return nil
}

// CloseWithCode sends a close frame and drops the connection. Only the first
// close has any effect.
func (c *twilioConn) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

func (c *twilioConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}
