package response

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/apperr"
)

// Envelope is the JSON shape shared with the rtl433dp backend:
// {content, status, timestamp, messages}.
type Envelope struct {
	Content   any       `json:"content,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Messages  []Message `json:"messages,omitempty"`
}

// Message is one entry of Envelope.Messages.
type Message struct {
	Code    string            `json:"code"`
	Text    string            `json:"text"`
	Field   string            `json:"field,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

var now = time.Now

// JSON writes content wrapped in an OK envelope.
func JSON(ctx *gin.Context, status int, content any) {
	if status == 0 {
		status = http.StatusOK
	}
	ctx.JSON(status, Envelope{
		Content:   content,
		Status:    StatusOK,
		Timestamp: now().UTC(),
	})
}

// Success is JSON with http.StatusOK.
func Success(ctx *gin.Context, content any) {
	JSON(ctx, http.StatusOK, content)
}

// JSONError writes an error envelope for appErr.
func JSONError(ctx *gin.Context, appErr *apperr.AppError) {
	if appErr == nil {
		appErr = apperr.New(apperr.ErrorCodeInternal)
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	messages := []Message{{Code: appErr.Code, Text: appErr.Message, Details: appErr.Details}}
	for _, sg := range appErr.Suggestions {
		messages = append(messages, Message{Code: appErr.Code, Text: sg.Message, Field: sg.Field})
	}
	ctx.AbortWithStatusJSON(status, Envelope{
		Status:    StatusError,
		Timestamp: now().UTC(),
		Messages:  messages,
	})
}

// HandleError writes err as an error envelope. Errors that do not wrap an
// *apperr.AppError become internal_error and are attached to the gin context
// so the access log records the cause.
func HandleError(ctx *gin.Context, err error) {
	if err == nil {
		return
	}
	var ae *apperr.AppError
	if !errors.As(err, &ae) {
		_ = ctx.Error(err)
	}
	JSONError(ctx, apperr.FromError(err))
}
