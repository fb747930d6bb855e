package api

import (
	"encoding/json"
	"errors"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/cubeops/operator/pkg/channel"
	customlog "github.com/cubeops/operator/pkg/log"
)

// ChannelWebSocketHandler handles one channel websocket connection. Every
// inbound message only overwrites the latest-value state; malformed or
// unknown messages are dropped without terminating the connection.
func ChannelWebSocketHandler(conn *websocket.Conn, logger customlog.Logger, state *channel.State) {
	logger.Infof("Channel connected: %s", conn.RemoteAddr())
	state.ClientConnected()
	defer func() {
		state.ClientDisconnected()
		logger.Infof("Channel disconnected: %s", conn.RemoteAddr())
	}()

	var (
		mt  int
		msg []byte
		err error
	)
	for {
		if mt, msg, err = conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Errorf("Channel read error: %v", err)
			} else {
				if err != websocket.ErrCloseSent && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, syscall.ECONNRESET) {
					logger.Infof("Channel closed: %v", err)
				} else {
					logger.Infof("Channel closed normally.")
				}
			}
			break
		}

		if mt != websocket.TextMessage {
			logger.Debugf("Ignoring non-text channel message type: %d", mt)
			continue
		}

		var m ChannelMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			logger.Warnf("Dropping malformed channel message: %v. Message: %s", err, string(msg))
			continue
		}

		switch m.Type {
		case TypeStick:
			state.SetStick(m.X, m.Y)
		case TypeEstop:
			logger.Warnf("E-stop latched via channel")
			state.LatchEstop()
		case TypeRecording:
			switch m.Command {
			case channel.RecordingStart, channel.RecordingEnd:
				logger.Infof("Recording command received: %s", m.Command)
				state.PushRecording(m.Command)
			default:
				logger.Warnf("Dropping recording message with unknown command: %q", m.Command)
			}
		case TypePing:
			state.Touch()
			pong, _ := json.Marshal(ChannelMsg{
				Type: TypePong,
				Ts:   float64(time.Now().UnixNano()) / float64(time.Second),
			})
			if err := conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				logger.Warnf("Failed to send pong: %v", err)
			}
		case TypePong:
			state.Touch()
		default:
			logger.Debugf("Ignoring channel message of unknown type: %q", m.Type)
		}
	}
}
