package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/takbridge/internal/app/monitor"
)

const (
	alertStreamBuffer       = 64
	alertStreamWriteTimeout = 5 * time.Second
)

// streamAlerts upgrades to a websocket and pushes every alert raised by the
// monitor as a JSON text frame. A replay=N query parameter first sends the N
// most recent alerts. Alerts are dropped for a client that falls behind.
func (s *httpServer) streamAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.available(w) {
		return
	}
	replay := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("replay")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid replay "+strconv.Quote(raw))
			return
		}
		replay = parsed
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	alerts := make(chan monitor.Alert, alertStreamBuffer)
	unregister := s.bridge.Monitor().RegisterHandler(func(alert monitor.Alert) {
		select {
		case alerts <- alert:
		default:
		}
	})
	defer unregister()

	// The client never sends; CloseRead handles control frames and cancels ctx on close.
	ctx := conn.CloseRead(r.Context())

	if replay > 0 {
		for _, alert := range s.bridge.Monitor().RecentAlerts(replay) {
			if err := writeAlert(ctx, conn, alert); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case alert := <-alerts:
			if err := writeAlert(ctx, conn, alert); err != nil {
				return
			}
		}
	}
}

func writeAlert(ctx context.Context, conn *websocket.Conn, alert monitor.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, alertStreamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
