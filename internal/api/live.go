package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/endoclinic/clinic-scribe/internal/recording"
)

const (
	liveWriteWait    = 10 * time.Second
	liveMaxCommand   = 4096
	actionStart      = "start"
	actionStop       = "stop"
	liveTypeSnapshot = "snapshot"
	liveTypeError    = "error"
)

var upgrader = websocket.Upgrader{
	// The workstation UI is served from a different local origin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// liveCommand is sent by the detail page
type liveCommand struct {
	Action string `json:"action"`
}

// liveMessage is pushed to the detail page
type liveMessage struct {
	Type      string              `json:"type"`
	Snapshot  *recording.Snapshot `json:"snapshot,omitempty"`
	Error     string              `json:"error,omitempty"`
	ErrorKind recording.Kind      `json:"error_kind,omitempty"`
}

// liveConn serialises writes; gorilla connections allow one writer at a time
type liveConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *liveConn) send(msg liveMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// live streams snapshots of a consultation and accepts start/stop commands.
// When the last page for a patient disconnects its recording is stopped.
func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	patientID := c.PatientID()
	logger := s.logger.With().Str("patient_id", patientID).Logger()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer ws.Close()
	ws.SetReadLimit(liveMaxCommand)

	conn := &liveConn{conn: ws}
	viewers := s.registry.AddViewer(patientID)
	logger.Info().Int("viewers", viewers).Msg("Live view connected")

	snapshots, unsubscribe := c.Subscribe()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for snap := range snapshots {
			if err := conn.send(liveMessage{Type: liveTypeSnapshot, Snapshot: &snap}); err != nil {
				logger.Debug().Err(err).Msg("Failed to push snapshot")
				_ = ws.Close()
				return
			}
		}
	}()

	var commands sync.WaitGroup
	for {
		var cmd liveCommand
		if err := ws.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("Live view read error")
			}
			break
		}

		switch cmd.Action {
		case actionStart:
			commands.Add(1)
			go func() {
				defer commands.Done()
				s.liveStart(c, conn, logger)
			}()
		case actionStop:
			if err := c.Stop(); err != nil {
				s.replyError(conn, err, logger)
			}
		default:
			logger.Debug().Str("action", cmd.Action).Msg("Ignoring unknown live command")
		}
	}

	unsubscribe()
	<-writerDone

	remaining := s.registry.RemoveViewer(patientID)
	logger.Info().Int("viewers", remaining).Msg("Live view disconnected")
	if remaining == 0 {
		s.stopUnwatched(c, logger)
	}
	commands.Wait()
}

// liveStart runs a start command. Start blocks through setup, so it runs
// off the read loop; a recording that becomes active after its last viewer
// left is stopped again.
func (s *Server) liveStart(c *recording.Controller, conn *liveConn, logger zerolog.Logger) {
	if err := c.Start(context.Background()); err != nil {
		s.replyError(conn, err, logger)
		return
	}
	if s.registry.Viewers(c.PatientID()) == 0 {
		s.stopUnwatched(c, logger)
	}
}

func (s *Server) stopUnwatched(c *recording.Controller, logger zerolog.Logger) {
	if err := c.Stop(); err != nil {
		if !errors.Is(err, recording.ErrInvalidState) {
			logger.Error().Err(err).Msg("Failed to stop unwatched recording")
		}
		return
	}
	logger.Info().Msg("Stopped recording after last viewer left")
}

func (s *Server) replyError(conn *liveConn, err error, logger zerolog.Logger) {
	msg := liveMessage{Type: liveTypeError, Error: err.Error()}
	if kind := recording.KindOf(err); kind != "" {
		msg.ErrorKind = kind
		if text := recording.UserMessage(kind); text != "" {
			msg.Error = text
		}
	}
	if sendErr := conn.send(msg); sendErr != nil {
		logger.Debug().Err(sendErr).Msg("Failed to send live error")
	}
}
