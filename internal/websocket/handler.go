package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/nightwatch/internal/auth"
)

// HandleWebSocket upgrades authenticated requests and runs them as hub
// clients. originPatterns lists the allowed browser origins; empty allows
// same-origin only.
func HandleWebSocket(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}
		defer conn.CloseNow()

		client := NewClient(hub, conn, auth.UserID(r.Context()))
		client.Run(r.Context())
		conn.Close(ws.StatusNormalClosure, "")
	}
}
