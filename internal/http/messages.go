package http

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/merchbot/broadcast-gateway/internal/dispatch"
)

type sendMessageReq struct {
	RecipientID int64  `json:"recipient_id"`
	ChatID      int64  `json:"chat_id"`
	Text        string `json:"text"`
}

// sendMessageHandler enqueues a one-off notification (order updates and
// the like) straight onto the send lane, outside any campaign.
func sendMessageHandler(svc Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req sendMessageReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.Text = strings.TrimSpace(req.Text)
		if req.Text == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "text required"})
		}
		if utf8.RuneCountInString(req.Text) > maxMessageRunes {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "text too long"})
		}
		if req.RecipientID == 0 && req.ChatID == 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "recipient_id or chat_id required"})
		}

		jobID, err := svc.EnqueueDirect(c.Request().Context(), dispatch.DirectMessage{
			RecipientID: req.RecipientID,
			ChatID:      req.ChatID,
			Text:        req.Text,
		})
		if err != nil {
			if errors.Is(err, dispatch.ErrNoTarget) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "recipient not found"})
			}

			log.Errorf("enqueue direct message failed: %v", err)

			return c.JSON(http.StatusBadGateway, map[string]string{"error": "enqueue failed"})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"enqueued": true,
			"id":       jobID,
		})
	}
}
