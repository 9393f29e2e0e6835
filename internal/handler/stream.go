package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/videoinsight/internal/orchestrator"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream upgrades to a websocket and pushes progress events for a job. The
// first message is a snapshot of the current state. With ?resume=true the job
// is started first and the socket closes when that run ends.
func (h *Handler) Stream(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	report, err := h.svc.Report(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	var (
		events      <-chan orchestrator.Event
		unsubscribe = func() {}
		resume      = c.Query("resume") == "true"
	)
	if resume {
		events, unsubscribe, err = h.svc.ResumeJob(ctx, id)
		if err != nil {
			h.writeError(c, err)
			return
		}
	} else {
		events, unsubscribe = h.svc.Subscribe(id)
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnf("⚠️ websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// The client never sends anything; reading only detects a close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := orchestrator.Event{
		JobID:   id,
		Status:  report.Job.Status,
		Counts:  report.Counts,
		Message: "snapshot",
		Time:    time.Now().UTC(),
	}
	if err := h.write(conn, snapshot); err != nil {
		return
	}
	if report.Job.Status.Terminal() && !resume {
		h.close(conn, "job finished")
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				h.close(conn, "run ended")
				return
			}
			if err := h.write(conn, e); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, e orchestrator.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(e); err != nil {
		h.log.Debugf("websocket write: %v", err)
		return err
	}
	return nil
}

func (h *Handler) close(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
