package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"bustrack/internal/broadcast"
	"bustrack/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBufferSize = 64
	maxMessageSize = 4096
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	messageTimeout = 5 * time.Second
)

// Ack statuses
const (
	AckConnected    = "connected"
	AckSubscribed   = "subscribed"
	AckUnsubscribed = "unsubscribed"
	AckError        = "error"
)

// Selection types
const (
	SelectionSmart       = "smart"
	SelectionTraditional = "traditional"
)

var (
	errSessionClosed  = errors.New("session closed")
	errSendBufferFull = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientMessage 客户端订阅/退订请求
type clientMessage struct {
	Action       string   `json:"action" validate:"required,oneof=subscribe unsubscribe"`
	BusNumber    string   `json:"busNumber" validate:"required_without=BusID"`
	Direction    string   `json:"direction" validate:"required_with=BusNumber"`
	BusID        string   `json:"busId"`
	BusCompany   string   `json:"busCompany"`
	Latitude     *float64 `json:"latitude" validate:"omitempty,min=-90,max=90"`
	Longitude    *float64 `json:"longitude" validate:"omitempty,min=-180,max=180"`
	BusStopIndex *int     `json:"busStopIndex" validate:"omitempty,min=0"`
}

// ackMessage 订阅确认
type ackMessage struct {
	Type            string `json:"type"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
	SessionID       string `json:"sessionId"`
	Topic           string `json:"topic,omitempty"`
	SelectedBusID   string `json:"selectedBusId,omitempty"`
	SelectionType   string `json:"selectionType,omitempty"`
	CompanyStrategy string `json:"companyStrategy,omitempty"`
	IsFallback      *bool  `json:"isFallback,omitempty"`
}

// wsSession 一个 WebSocket 连接；写入由单独的 goroutine 完成
type wsSession struct {
	id   string
	conn *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
}

func newWSSession(conn *websocket.Conn) *wsSession {
	return &wsSession{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan any, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (s *wsSession) ID() string { return s.id }

// Send 非阻塞投递；缓冲区满时返回错误
func (s *wsSession) Send(msg broadcast.Message) error {
	return s.enqueue(msg)
}

func (s *wsSession) enqueue(v any) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- v:
		return nil
	default:
		return errSendBufferFull
	}
}

func (s *wsSession) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case v := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(v); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// ServeWS WebSocket 会话入口
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sess := newWSSession(conn)
	go sess.writeLoop()
	if h.deps.Metrics != nil {
		h.deps.Metrics.SessionOpened()
	}
	h.logger.Info("WebSocket session opened", zap.String("session_id", sess.id), zap.String("remote", r.RemoteAddr))

	defer func() {
		if h.deps.Hub != nil {
			h.deps.Hub.Disconnect(sess.id)
		}
		sess.close()
		if h.deps.Metrics != nil {
			h.deps.Metrics.SessionClosed()
		}
		h.logger.Info("WebSocket session closed", zap.String("session_id", sess.id))
	}()

	_ = sess.enqueue(ackMessage{Type: broadcast.TypeAck, Status: AckConnected, SessionID: sess.id})

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read failed", zap.String("session_id", sess.id), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = sess.enqueue(errorAck(sess.id, "invalid message"))
			continue
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if err := validate.Struct(&msg); err != nil {
			_ = sess.enqueue(errorAck(sess.id, err.Error()))
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), messageTimeout)
		h.handleClientMessage(ctx, sess, &msg)
		cancel()
	}
}

func errorAck(sessionID, message string) ackMessage {
	return ackMessage{Type: broadcast.TypeAck, Status: AckError, Message: message, SessionID: sessionID}
}

func (h *Handler) handleClientMessage(ctx context.Context, sess *wsSession, msg *clientMessage) {
	if h.deps.Hub == nil {
		_ = sess.enqueue(errorAck(sess.id, "push is not available"))
		return
	}
	switch msg.Action {
	case "subscribe":
		if msg.BusID != "" {
			h.subscribeBus(ctx, sess, msg.BusID)
			return
		}
		h.subscribeRoute(ctx, sess, msg)
	case "unsubscribe":
		if msg.BusID != "" {
			h.deps.Hub.UnsubscribeBus(sess.id, msg.BusID)
			_ = sess.enqueue(ackMessage{Type: broadcast.TypeAck, Status: AckUnsubscribed, SessionID: sess.id, Topic: broadcast.BusTopic(msg.BusID)})
			return
		}
		h.deps.Hub.UnsubscribeRoute(sess.id, msg.BusNumber, msg.Direction)
		_ = sess.enqueue(ackMessage{Type: broadcast.TypeAck, Status: AckUnsubscribed, SessionID: sess.id, Topic: broadcast.RouteTopic(msg.BusNumber, msg.Direction)})
	}
}

func (h *Handler) subscribeBus(ctx context.Context, sess *wsSession, busID string) {
	_ = sess.enqueue(ackMessage{
		Type:          broadcast.TypeAck,
		Status:        AckSubscribed,
		SessionID:     sess.id,
		Topic:         broadcast.BusTopic(busID),
		SelectedBusID: busID,
		SelectionType: SelectionTraditional,
	})
	h.deps.Hub.SubscribeBus(ctx, sess, busID)
}

// subscribeRoute 线路订阅；运营商支持智能选车且带站点进度时，选定一辆车并记录智能订阅
func (h *Handler) subscribeRoute(ctx context.Context, sess *wsSession, msg *clientMessage) {
	operator := strings.TrimSpace(msg.BusCompany)
	if operator == "" && h.deps.Tracker != nil {
		operator = h.deps.Tracker.RouteOperator(ctx, msg.BusNumber)
	}

	ack := ackMessage{
		Type:          broadcast.TypeAck,
		Status:        AckSubscribed,
		SessionID:     sess.id,
		Topic:         broadcast.RouteTopic(msg.BusNumber, msg.Direction),
		SelectionType: SelectionTraditional,
	}
	smart := false
	if h.deps.Strategies != nil {
		strategy := h.deps.Strategies.Lookup(operator)
		ack.CompanyStrategy = strategy.Name()
		smart = strategy.SupportsSmartSelection() && msg.BusStopIndex != nil && h.deps.Selector != nil
	}

	if !smart {
		_ = sess.enqueue(ack)
		h.deps.Hub.SubscribeRoute(ctx, sess, msg.BusNumber, msg.Direction)
		h.selectionInc(SelectionTraditional)
		return
	}

	sub := models.ClientSubscription{
		SessionID:    sess.id,
		BusNumber:    msg.BusNumber,
		Direction:    msg.Direction,
		ClientIndex:  *msg.BusStopIndex,
		OperatorName: operator,
	}
	if msg.Latitude != nil && msg.Longitude != nil {
		sub.ClientLat, sub.ClientLon = *msg.Latitude, *msg.Longitude
	}

	ack.SelectionType = SelectionSmart
	kind := "none"
	res, err := h.deps.Selector.SelectBest(ctx, msg.BusNumber, msg.Direction, sub.ClientIndex)
	if err != nil {
		h.logger.Warn("Smart selection failed",
			zap.String("session_id", sess.id),
			zap.String("route_number", msg.BusNumber),
			zap.Error(err),
		)
	}
	if res != nil {
		sub.BusID = res.BusID()
		ack.SelectedBusID = sub.BusID
		fallback := res.IsFallback
		ack.IsFallback = &fallback
		kind = SelectionSmart
		if fallback {
			kind = "fallback"
		}
	} else {
		ack.Message = "no suitable bus yet"
	}

	_ = sess.enqueue(ack)
	h.deps.Hub.TrackSmart(sub)
	h.deps.Hub.SubscribeRoute(ctx, sess, msg.BusNumber, msg.Direction)
	if sub.BusID != "" {
		h.deps.Hub.SubscribeSelected(ctx, sess, sub.BusID)
	}
	h.selectionInc(kind)
}

func (h *Handler) selectionInc(kind string) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.SelectionInc(kind)
	}
}
