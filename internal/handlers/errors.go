package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/pos"
	"github.com/akylbek/payment-system/pos-terminal/internal/registry"
	"github.com/akylbek/payment-system/pos-terminal/internal/service"
	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
)

// writeError maps service errors onto HTTP responses. Guard denials carry the
// full decision so the UI can show title and reason.
func writeError(c *gin.Context, err error) {
	var denied *service.DeniedError
	if errors.As(err, &denied) {
		c.JSON(http.StatusConflict, denied.Decision)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrConfig):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, pos.ErrOrderNotFound), errors.Is(err, pos.ErrLineNotFound),
		errors.Is(err, registry.ErrUnknownMethod):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrPaymentInProgress), errors.Is(err, pos.ErrLineFinal),
		errors.Is(err, pos.ErrOrderFinalized):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrNoCurrentOrder),
		errors.Is(err, registry.ErrMethodMismatch):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		telemetry.Logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
