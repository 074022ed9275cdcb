package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/delivery"
	"github.com/x-xyz/bidengine/base/goroutine"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/base/metrics"
	"github.com/x-xyz/bidengine/domain/auction"
	"github.com/x-xyz/bidengine/domain/broadcast"
	authMiddleware "github.com/x-xyz/bidengine/stores/auth/delivery/http/middleware"
)

const (
	EventBidResult broadcast.EventType = "bid-result"
	EventPong      broadcast.EventType = "pong"
	EventError     broadcast.EventType = "error"
)

type Config struct {
	// AllowedOrigins empty accepts any origin
	AllowedOrigins []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

// errorPayload is the body of an error event
type errorPayload struct {
	Reason  auction.Reason `json:"reason"`
	Message string         `json:"message"`
}

// clientMessage is what a participant may send over the socket
type clientMessage struct {
	Type         string           `json:"type"`
	RequestId    string           `json:"requestId"`
	Amount       decimal.Decimal  `json:"amount"`
	IsProxy      bool             `json:"isProxy"`
	ProxyCeiling *decimal.Decimal `json:"proxyCeiling,omitempty"`
}

type handler struct {
	gw       broadcast.Gateway
	uc       auction.UseCase
	cfg      Config
	upgrader websocket.Upgrader
	met      metrics.Service
}

// New registers the room socket. uc may be nil, bids are then only taken over
// http.
func New(e *echo.Echo, gw broadcast.Gateway, uc auction.UseCase, am *authMiddleware.AuthMiddleware, cfg Config) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	h := &handler{
		gw:  gw,
		uc:  uc,
		cfg: cfg,
		met: metrics.New("ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	e.GET("/auctions/:id/ws", h.serve, am.QueryAuth("token"))
}

func (h *handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (h *handler) serve(c echo.Context) error {
	p, _ := authMiddleware.Principal(c)
	ctx := ctx.WithValues(c.Get("ctx").(ctx.Ctx), map[string]interface{}{
		"auctionId": c.Param("id"),
		"userId":    p.UserId,
	})

	sub, err := h.gw.Join(ctx, c.Param("id"), p.UserId)
	if err != nil {
		ctx.WithField("err", err).Warn("gw.Join failed")
		return delivery.MakeJsonResp(c, http.StatusInternalServerError, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already answered the request
		ctx.WithField("err", err).Warn("upgrader.Upgrade failed")
		h.gw.Leave(ctx, sub)
		return nil
	}
	h.met.BumpSum("connected", 1)

	s := &session{
		h:       h,
		ctx:     ctx,
		conn:    conn,
		sub:     sub,
		bidder:  p.UserId,
		replies: make(chan *broadcast.Event, 8),
		done:    make(chan struct{}),
	}
	goroutine.RecoverableGo(s.writeLoop, goroutine.WithName("ws.write"), goroutine.WithAfterEnded(func() {
		conn.Close()
		close(s.done)
	}))
	s.readLoop()

	h.gw.Leave(ctx, sub)
	<-s.done
	h.met.BumpSum("disconnected", 1)
	return nil
}

type session struct {
	h       *handler
	ctx     ctx.Ctx
	conn    *websocket.Conn
	sub     *broadcast.Subscription
	bidder  string
	replies chan *broadcast.Event
	// done is closed once the writer stopped and the connection is closed
	done chan struct{}
}

// writeLoop owns every write to the connection. It ends when the room drops
// the subscription or a write fails.
func (s *session) writeLoop() {
	ticker := time.NewTicker(s.h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case ev, ok := <-s.sub.Events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room closed")
				s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.h.cfg.WriteTimeout))
				return
			}
			err = s.write(ev)
		case ev := <-s.replies:
			err = s.write(ev)
		case <-ticker.C:
			err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.h.cfg.WriteTimeout))
		}
		if err != nil {
			s.ctx.WithField("err", err).Debug("ws write failed")
			return
		}
	}
}

func (s *session) write(ev *broadcast.Event) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteTimeout))
	return s.conn.WriteJSON(ev)
}

// readLoop handles client messages until the connection fails or is closed
func (s *session) readLoop() {
	pongWait := 2 * s.h.cfg.PingInterval
	s.conn.SetReadLimit(s.h.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.ctx.WithField("err", err).Info("ws closed unexpectedly")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg := clientMessage{}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.replyError(auction.ReasonInvalidRequest, "malformed message")
			continue
		}
		switch msg.Type {
		case "ping":
			s.reply(EventPong, nil)
		case "place-bid":
			s.placeBid(msg)
		default:
			s.replyError(auction.ReasonUnknownMessageType, "unknown message type "+msg.Type)
		}
	}
}

func (s *session) placeBid(msg clientMessage) {
	if s.h.uc == nil {
		s.replyError(auction.ReasonBiddingDisabled, "bidding over websocket is disabled")
		return
	}
	res, err := s.h.uc.PlaceBid(s.ctx, auction.PlaceBidRequest{
		RequestId:    msg.RequestId,
		AuctionId:    s.sub.AuctionId,
		BidderId:     s.bidder,
		Amount:       msg.Amount,
		IsProxy:      msg.IsProxy,
		ProxyCeiling: msg.ProxyCeiling,
	})
	if err != nil {
		s.ctx.WithFields(log.Fields{"err": err, "requestId": msg.RequestId}).Info("ws bid rejected")
	}
	s.reply(EventBidResult, res)
}

func (s *session) replyError(reason auction.Reason, message string) {
	s.reply(EventError, &errorPayload{Reason: reason, Message: message})
}

func (s *session) reply(t broadcast.EventType, payload interface{}) {
	ev := &broadcast.Event{
		Type:      t,
		AuctionId: s.sub.AuctionId,
		Target:    s.bidder,
		At:        time.Now(),
		Payload:   payload,
	}
	select {
	case s.replies <- ev:
	case <-s.done:
	}
}
