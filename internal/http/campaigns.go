package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	echo "github.com/labstack/echo/v4"

	"github.com/merchbot/broadcast-gateway/internal/dispatch"
	"github.com/merchbot/broadcast-gateway/internal/model"
	"github.com/merchbot/broadcast-gateway/internal/repository"
)

// Telegram rejects longer texts, so there is no point queueing them.
const maxMessageRunes = 4096

type campaignReq struct {
	MessageText string     `json:"message_text"`
	ScheduledAt *time.Time `json:"scheduled_at"` // RFC3339; nil means draft
}

func campaignIDParam(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func createCampaignHandler(campaigns repository.CampaignsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req campaignReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.MessageText = strings.TrimSpace(req.MessageText)
		if req.MessageText == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "message_text required"})
		}
		if utf8.RuneCountInString(req.MessageText) > maxMessageRunes {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "text too long"})
		}

		id, err := campaigns.Create(c.Request().Context(), req.MessageText, req.ScheduledAt)
		if err != nil {
			c.Logger().Errorf("create campaign failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		row, err := campaigns.GetByID(c.Request().Context(), id)
		if err != nil || row == nil {
			// created but unreadable; report the id at least
			return c.JSON(http.StatusCreated, map[string]any{"id": id})
		}
		return c.JSON(http.StatusCreated, row)
	}
}

func updateCampaignHandler(campaigns repository.CampaignsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignIDParam(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
		}

		var req campaignReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.MessageText = strings.TrimSpace(req.MessageText)
		if req.MessageText == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "message_text required"})
		}
		if utf8.RuneCountInString(req.MessageText) > maxMessageRunes {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "text too long"})
		}

		row, err := campaigns.GetByID(c.Request().Context(), id)
		if err != nil {
			c.Logger().Errorf("load campaign failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if row == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "campaign not found"})
		}

		err = campaigns.UpdateContent(c.Request().Context(), id, req.MessageText, req.ScheduledAt)
		if errors.Is(err, repository.ErrStatusConflict) {
			return c.JSON(http.StatusConflict, map[string]any{
				"error":  "campaign is no longer editable",
				"status": row.Status,
			})
		}
		if err != nil {
			c.Logger().Errorf("update campaign failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		row, err = campaigns.GetByID(c.Request().Context(), id)
		if err != nil || row == nil {
			return c.JSON(http.StatusOK, map[string]any{"id": id})
		}
		return c.JSON(http.StatusOK, row)
	}
}

func getCampaignHandler(campaigns repository.CampaignsRepository, deliveries repository.DeliveriesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignIDParam(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
		}

		row, err := campaigns.GetByID(c.Request().Context(), id)
		if err != nil {
			c.Logger().Errorf("load campaign failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if row == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "campaign not found"})
		}

		stats, err := deliveries.CountByCampaign(c.Request().Context(), id)
		if err != nil {
			c.Logger().Errorf("count deliveries failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"campaign": row,
			"stats":    stats,
		})
	}
}

func listCampaignsHandler(campaigns repository.CampaignsRepository) echo.HandlerFunc {
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

		var st model.CampaignStatus
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			if parsed, ok := model.ParseCampaignStatus(raw); ok {
				st = parsed
			}
		}

		rows, err := campaigns.List(c.Request().Context(), st, limit, offset)
		if err != nil {
			c.Logger().Errorf("list campaigns failed: %v", err)
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

func dispatchCampaignHandler(svc Dispatcher, campaigns repository.CampaignsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := campaignIDParam(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
		}

		res, err := svc.DispatchDraftToAll(c.Request().Context(), id)
		switch {
		case err == nil:
			return c.JSON(http.StatusAccepted, map[string]any{
				"dispatched":  true,
				"campaign_id": id,
				"recipients":  res.Recipients,
				"chunks":      res.Chunks,
			})

		case errors.Is(err, dispatch.ErrCampaignNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "campaign not found"})

		case errors.Is(err, dispatch.ErrAlreadyDispatched):
			// Concurrent triggers racing is expected; not a failure.
			status := ""
			if row, lerr := campaigns.GetByID(c.Request().Context(), id); lerr == nil && row != nil {
				status = row.Status.String()
			}
			return c.JSON(http.StatusOK, map[string]any{
				"dispatched": false,
				"status":     status,
			})

		default:
			c.Logger().Errorf("dispatch campaign %d failed: %v", id, err)
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "dispatch failed"})
		}
	}
}

type dispatchScheduledReq struct {
	RecipientIDs []int64 `json:"recipient_ids"`
}

func dispatchScheduledHandler(svc Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req dispatchScheduledReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		res, err := svc.DispatchScheduledToSelection(c.Request().Context(), req.RecipientIDs)
		if err != nil {
			c.Logger().Errorf("dispatch scheduled failed: %v", err)
			return c.JSON(http.StatusBadGateway, map[string]any{
				"error":     "dispatch failed",
				"campaigns": res.Campaigns, // campaigns already fanned out stay dispatched
			})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"dispatched": true,
			"campaigns":  res.Campaigns,
			"recipients": res.Recipients,
			"chunks":     res.Chunks,
		})
	}
}
