package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/merchbot/broadcast-gateway/internal/repository"
	"github.com/merchbot/broadcast-gateway/internal/util"
)

type recipientReq struct {
	ChatID    int64  `json:"chat_id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// registerRecipientHandler is the bot's get-or-create boundary: every
// first contact with a chat lands here, repeats refresh the profile and
// reactivate a previously blocked chat.
func registerRecipientHandler(recipients repository.RecipientsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req recipientReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if req.ChatID == 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "chat_id required"})
		}

		var username, firstName *string
		if u := util.NormalizeUsername(req.Username); u != "" {
			username = &u
		}
		if f := strings.TrimSpace(req.FirstName); f != "" {
			firstName = &f
		}

		id, err := recipients.Upsert(c.Request().Context(), req.ChatID, username, firstName)
		if err != nil {
			c.Logger().Errorf("upsert recipient failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		row, err := recipients.GetByID(c.Request().Context(), id)
		if err != nil || row == nil {
			return c.JSON(http.StatusOK, map[string]any{"id": id, "chat_id": req.ChatID})
		}
		return c.JSON(http.StatusOK, row)
	}
}

func listRecipientsHandler(recipients repository.RecipientsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		rows, err := recipients.List(c.Request().Context(), limit, offset)
		if err != nil {
			c.Logger().Errorf("list recipients failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
