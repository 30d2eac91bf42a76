package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/littleblessing/backend/internal/blessings"
	"go.uber.org/zap"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	codeInvalidBody = "blessings.append.invalid_body"
	retryAfter      = "1"
)

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type appendRequestPayload struct {
	ID        flexibleID `json:"id"`
	Author    string     `json:"author"`
	Content   string     `json:"content"`
	Tier      string     `json:"tier"`
	Timestamp *time.Time `json:"timestamp"`
}

// flexibleID accepts an id sent as either a JSON string or a JSON number.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*f = flexibleID(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(number.String(), 64); err != nil {
		return err
	}
	*f = flexibleID(number.String())
	return nil
}

func (h *httpHandler) handleList(c *gin.Context) {
	records, err := h.service.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *httpHandler) handleAppend(c *gin.Context) {
	var payload appendRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Status: statusError, Message: "Missing data", Code: codeInvalidBody})
		return
	}
	_, err := h.service.Append(c.Request.Context(), blessings.AppendRequest{
		ID:        string(payload.ID),
		Author:    payload.Author,
		Content:   payload.Content,
		Tier:      payload.Tier,
		Timestamp: payload.Timestamp,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: statusSuccess})
}

func (h *httpHandler) handleRemove(c *gin.Context) {
	if err := h.service.Remove(c.Request.Context(), c.Query("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{Status: statusSuccess})
}

// handlePreflight answers OPTIONS requests that carry no Origin; the CORS
// middleware answers the rest before routing.
func (h *httpHandler) handlePreflight(c *gin.Context) {
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, message := classifyError(err)
	response := errorResponse{Status: statusError, Message: message}
	var serviceErr *blessings.ServiceError
	if errors.As(err, &serviceErr) {
		response.Code = serviceErr.Code()
	}
	if blessings.IsRetryable(err) {
		c.Header("Retry-After", retryAfter)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("guestbook request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.JSON(status, response)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, blessings.ErrValidation):
		return http.StatusBadRequest, validationMessage(err)
	case errors.Is(err, blessings.ErrNotFound):
		return http.StatusNotFound, "Message not found"
	case errors.Is(err, blessings.ErrLockTimeout):
		return http.StatusServiceUnavailable, "Storage busy, retry later"
	default:
		return http.StatusInternalServerError, "Storage unavailable"
	}
}

func validationMessage(err error) string {
	var serviceErr *blessings.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Unwrap() != nil {
		return serviceErr.Unwrap().Error()
	}
	return err.Error()
}
