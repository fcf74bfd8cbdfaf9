package web

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"FaceDetServer/frame"
	iface "FaceDetServer/interface"
	"FaceDetServer/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type session struct {
	id          string
	conn        *websocket.Conn
	created     time.Time
	lastActive  atomic.Int64
	frames      atomic.Uint64
	writeMu     sync.Mutex
	closeOnce   sync.Once
	cancelTimer chan struct{}
}

type SessionInfo struct {
	ID         string    `json:"id"`
	Created    time.Time `json:"created"`
	LastActive time.Time `json:"last_active"`
	Frames     uint64    `json:"frames"`
}

// StreamMessage is the JSON reply to every websocket frame. The first message
// of a session carries only Session.
type StreamMessage struct {
	Session     string              `json:"session"`
	TimestampMs float64             `json:"timestamp_ms,omitempty"`
	Faces       []iface.BoundingBox `json:"faces,omitempty"`
	Error       string              `json:"error,omitempty"`
	Outcome     string              `json:"outcome,omitempty"`
}

func (ss *session) touch() { ss.lastActive.Store(time.Now().UnixNano()) }

func (ss *session) idleFor() time.Duration {
	return time.Since(time.Unix(0, ss.lastActive.Load()))
}

func (ss *session) send(msg StreamMessage) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	return ss.conn.WriteJSON(msg)
}

func (ss *session) info() SessionInfo {
	return SessionInfo{
		ID:         ss.id,
		Created:    ss.created,
		LastActive: time.Unix(0, ss.lastActive.Load()),
		Frames:     ss.frames.Load(),
	}
}

func (s *Server) handleSessions(c *gin.Context) {
	s.sessionMu.RLock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, ss := range s.sessions {
		infos = append(infos, ss.info())
	}
	s.sessionMu.RUnlock()
	slices.SortFunc(infos, func(a, b SessionInfo) int { return a.Created.Compare(b.Created) })
	c.JSON(http.StatusOK, gin.H{"data": infos})
}

func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader 已经返回了错误响应
		return
	}
	conn.SetReadLimit(s.opts.MaxBodyBytes)
	ss := &session{
		id:          uuid.NewString(),
		conn:        conn,
		created:     time.Now(),
		cancelTimer: make(chan struct{}),
	}
	ss.touch()
	s.sessionMu.Lock()
	s.sessions[ss.id] = ss
	s.sessionMu.Unlock()
	s.log.Info("stream session opened", zap.String("session", ss.id))

	if err := ss.send(StreamMessage{Session: ss.id}); err != nil {
		s.releaseSession(ss.id, "hello failed")
		return
	}
	s.startIdleMonitor(ss)

	ctx := c.Request.Context()
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			s.releaseSession(ss.id, "connection closed")
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("stream read failed", zap.String("session", ss.id), zap.Error(err))
			}
			return
		}
		ss.touch()
		if s.opts.Counter != nil {
			s.opts.Counter.CountRequest("ws")
		}

		reply := StreamMessage{Session: ss.id}
		view, err := viewOf(mt, msg)
		if err != nil {
			reply.Error = err.Error()
			reply.Outcome = pipeline.OutcomeInputError.String()
		} else {
			ts := s.now()
			boxes, err := s.detector.ProcessFrame(ctx, iface.Frame{Image: view, Timestamp: ts})
			ss.frames.Add(1)
			reply.TimestampMs = msOf(ts)
			reply.Faces = boxes
			reply.Outcome = pipeline.OutcomeOf(err).String()
			if err != nil {
				reply.Error = err.Error()
			}
		}
		if err := ss.send(reply); err != nil {
			s.releaseSession(ss.id, "write failed")
			return
		}
	}
}

// viewOf 把二进制消息按编码图片解码，文本消息按 base64 或 data URL 解码
func viewOf(mt int, msg []byte) (iface.ImageView, error) {
	switch mt {
	case websocket.BinaryMessage:
		return frame.Decode(msg)
	case websocket.TextMessage:
		return decodeBase64Image(string(msg))
	}
	return nil, errors.New("unsupported message type")
}

func (s *Server) startIdleMonitor(ss *session) {
	tick := max(s.opts.IdleTimeout/10, 10*time.Millisecond)
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ss.cancelTimer:
				return
			case <-ticker.C:
				if ss.idleFor() > s.opts.IdleTimeout {
					s.releaseSession(ss.id, fmt.Sprintf("%s not active, released", s.opts.IdleTimeout))
					return
				}
			}
		}
	}()
}

// releaseSession 以 reason 关闭连接，返回会话是否仍然存在
func (s *Server) releaseSession(id, reason string) bool {
	s.sessionMu.Lock()
	ss, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.sessionMu.Unlock()
	if !ok {
		return false
	}
	ss.closeOnce.Do(func() {
		close(ss.cancelTimer)
		deadline := time.Now().Add(time.Second)
		_ = ss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = ss.conn.Close()
	})
	s.log.Info("stream session released", zap.String("session", id), zap.String("reason", reason))
	return true
}

func (s *Server) closeSessions() {
	s.sessionMu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessionMu.RUnlock()
	for _, id := range ids {
		s.releaseSession(id, "server shutting down")
	}
}
