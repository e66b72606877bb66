package wsgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"i4.energy/across/at-gateway/internal/broadcast"
	"i4.energy/across/at-gateway/internal/mux"
)

const authTimeout = 10 * time.Second

// Gateway upgrades HTTP connections to WebSocket and serves the
// operator protocol over them: one multiplexer submitter, one
// broadcast bus subscription per connection, and an optional
// shared-secret handshake.
type Gateway struct {
	Submitter mux.Submitter
	Bus       *broadcast.Bus
	AuthKey   string
	LogPath   string
	Logger    *slog.Logger

	upgrader websocket.Upgrader
}

// NewGateway returns a Gateway ready to be mounted as an http.Handler.
func NewGateway(submitter mux.Submitter, bus *broadcast.Bus, authKey, logPath string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		Submitter: submitter,
		Bus:       bus,
		AuthKey:   authKey,
		LogPath:   logPath,
		Logger:    logger,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves the
// connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Logger.Warn("wsgateway: upgrade failed", "err", err)
		return
	}
	g.handleConnection(r.Context(), conn)
}

func (g *Gateway) handleConnection(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	connID := xid.New().String()
	logger := g.Logger.With("conn", connID)

	if g.AuthKey != "" {
		if !g.authenticate(conn) {
			return
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := g.Bus.Subscribe()
	defer unsubscribe()

	writes := make(chan []byte, 16)
	go g.writerLoop(ctx, conn, writes, events)

	logger.Info("wsgateway: client connected")
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		g.handleMessage(ctx, string(data), writes)
	}
	cancel()
	logger.Info("wsgateway: client disconnected")
}

// writerLoop is the connection's single writer: it serializes
// command replies and broadcast events onto the socket so ReadMessage
// and WriteMessage are never called concurrently from different
// goroutines, which gorilla/websocket does not allow.
func (g *Gateway) writerLoop(ctx context.Context, conn *websocket.Conn, writes <-chan []byte, events <-chan broadcast.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-writes:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := ev.Encode()
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) authenticate(conn *websocket.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		g.rejectAuth(conn, "auth timeout")
		return false
	}
	key, ok := parseAuthFrame(string(data))
	if !ok || key != g.AuthKey {
		g.rejectAuth(conn, "invalid auth key")
		return false
	}
	return true
}

func (g *Gateway) rejectAuth(conn *websocket.Conn, reason string) {
	payload, _ := json.Marshal(authReject{Success: false, Error: reason})
	conn.WriteMessage(websocket.TextMessage, payload)
}

func (g *Gateway) handleMessage(ctx context.Context, text string, writes chan<- []byte) {
	trimmed := text
	switch trimmed {
	case controlPing:
		writes <- []byte(controlPong)
		return
	case controlGetSysLogs:
		writes <- g.readSysLogs()
		return
	case controlClearSysLogs:
		writes <- g.clearSysLogs()
		return
	}

	cmd := parseClientMessage(text)
	if cmd == commandConnectStatus {
		writes <- encodeReply(successReply("+CONNECT: 0\r\nOK"))
		return
	}

	cmd = sanitizeSysCfgEx(cmd)
	resp, err := g.Submitter.Submit(ctx, cmd)
	if err != nil {
		writes <- encodeReply(errorReply(err.Error()))
		return
	}
	if !resp.OK() {
		writes <- encodeReply(errorReply(resp.Err))
		return
	}
	writes <- encodeReply(successReply(stripEchoAndBlankLines(cmd, resp.Body)))
}

func encodeReply(r commandReply) []byte {
	payload, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"success":false,"error":"internal error"}`)
	}
	return payload
}

func (g *Gateway) readSysLogs() []byte {
	if g.LogPath == "" {
		return encodeReply(errorReply("no log file configured"))
	}
	data, err := os.ReadFile(g.LogPath)
	if err != nil {
		return encodeReply(errorReply(err.Error()))
	}
	return encodeReply(successReply(string(data)))
}

func (g *Gateway) clearSysLogs() []byte {
	if g.LogPath == "" {
		return encodeReply(errorReply("no log file configured"))
	}
	if err := os.Truncate(g.LogPath, 0); err != nil {
		return encodeReply(errorReply(err.Error()))
	}
	return encodeReply(successReply(""))
}
