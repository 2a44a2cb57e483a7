package console

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/milan604/rtl433dp-console/pkg/response"
	"github.com/milan604/rtl433dp-console/pkg/session"
)

const (
	writeTimeout   = 10 * time.Second
	maxClientFrame = 512
)

// Event types sent on /session/events.
const (
	EventSession  = "session"
	EventNavigate = "navigate"
)

// SessionEvent is one message on the session socket.
type SessionEvent struct {
	Type    string        `json:"type"`
	Session *session.View `json:"session,omitempty"`
	URL     string        `json:"url,omitempty"`
}

func (cs *Console) sessionView(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	response.Success(c, mustSession(c).Store.Snapshot().View())
}

func (cs *Console) sessionMenu(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	st := mustSession(c).Store.Snapshot()
	if !st.IsAuthenticated {
		response.Success(c, []any{})
		return
	}
	response.Success(c, cs.menu.Visible(st.Permissions))
}

func (cs *Console) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     cs.checkOrigin,
	}
}

// checkOrigin accepts same-origin sockets and the configured extra origins.
func (cs *Console) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(cs.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// sessionEvents pushes the session view after every change and the target
// of every background navigation, starting with the current view.
func (cs *Console) sessionEvents(c *gin.Context) {
	sess := mustSession(c)
	ctx := c.Request.Context()

	conn, err := cs.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cs.log.DebugFCtx(ctx, "console: session socket upgrade: %v", err)
		return
	}
	defer conn.Close()

	states, unsubStates := sess.Store.Subscribe()
	defer unsubStates()
	navs, unsubNavs := sess.Navigator.Subscribe()
	defer unsubNavs()

	gone := make(chan struct{})
	go cs.readUntilClosed(conn, gone)

	send := func(ev SessionEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(ev)
	}
	sendState := func(st session.State) error {
		v := st.View()
		return send(SessionEvent{Type: EventSession, Session: &v})
	}

	flushStates := func() error {
		for {
			select {
			case st, ok := <-states:
				if !ok {
					return nil
				}
				if err := sendState(st); err != nil {
					return err
				}
			default:
				return nil
			}
		}
	}

	if err := sendState(sess.Store.Snapshot()); err != nil {
		return
	}

	ping := time.NewTicker(cs.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case st, ok := <-states:
			if !ok {
				cs.closeSocket(conn, "session ended")
				return
			}
			if err := sendState(st); err != nil {
				return
			}
		case target, ok := <-navs:
			if !ok {
				cs.closeSocket(conn, "session ended")
				return
			}
			// a state change published before the navigation goes out first
			if err := flushStates(); err != nil {
				return
			}
			// taken before sending so the next page request does not redirect again
			pending, hasPending := sess.Navigator.Take()
			if err := send(SessionEvent{Type: EventNavigate, URL: target}); err != nil {
				if hasPending {
					_ = sess.Navigator.Navigate(context.WithoutCancel(ctx), pending)
				}
				return
			}
			if hasPending && pending != target {
				_ = sess.Navigator.Navigate(ctx, pending)
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readUntilClosed discards client frames and closes gone when the client
// disconnects or stops answering pings.
func (cs *Console) readUntilClosed(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	wait := 2*cs.pingInterval + writeTimeout
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cs.log.DebugF("console: session socket closed: %v", err)
			}
			return
		}
	}
}

func (cs *Console) closeSocket(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
