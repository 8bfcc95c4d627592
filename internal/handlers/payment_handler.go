package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/guard"
	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/service"
	"github.com/akylbek/payment-system/pos-terminal/internal/session"
	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
)

type PaymentHandler struct {
	orchestrator *service.Orchestrator
}

func NewPaymentHandler(orchestrator *service.Orchestrator) *PaymentHandler {
	return &PaymentHandler{orchestrator: orchestrator}
}

type addLineRequest struct {
	MethodID string          `json:"method_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
}

func (h *PaymentHandler) AddLine(c *gin.Context) {
	var req addLineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.Logger.Error("Error decoding payment line", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	line, err := h.orchestrator.AddPaymentLine(c.Request.Context(), c.Param("id"), req.MethodID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, line)
}

func (h *PaymentHandler) DeleteLine(c *gin.Context) {
	if err := h.orchestrator.RemovePaymentLine(c.Request.Context(), c.Param("id"), c.Param("line_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Pay starts a terminal attempt. The terminal answers asynchronously; the UI
// polls the order or the method status for the outcome.
func (h *PaymentHandler) Pay(c *gin.Context) {
	out, err := h.orchestrator.StartPayment(c.Request.Context(), c.Param("id"), c.Param("line_id"))
	if err == nil {
		c.JSON(http.StatusAccepted, out)
		return
	}
	if out.SessionID == "" {
		writeError(c, err)
		return
	}

	telemetry.Logger.Warn("Terminal payment failed to start",
		zap.String("session_id", out.SessionID),
		zap.String("state", string(out.State)),
		zap.Error(err),
	)
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, models.ErrConfig):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrRetired):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error(), "outcome": out})
}

func (h *PaymentHandler) Cancel(c *gin.Context) {
	advice, err := h.orchestrator.CancelPayment(c.Request.Context(), c.Param("id"), c.Param("line_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": advice})
}

type checkRequest struct {
	Action  string `json:"action" binding:"required"`
	OrderID string `json:"order_id"`
	LineID  string `json:"line_id"`
}

// Check answers whether a UI action is currently allowed. Denials are 200 with
// allowed=false; the action itself is not performed.
func (h *PaymentHandler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	action, err := guard.ParseAction(req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d := h.orchestrator.Check(c.Request.Context(), req.OrderID, guard.Request{Action: action, LineID: req.LineID})
	c.JSON(http.StatusOK, d)
}

func (h *PaymentHandler) Methods(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"methods": h.orchestrator.Methods()})
}

func (h *PaymentHandler) MethodStatus(c *gin.Context) {
	st, err := h.orchestrator.MethodStatus(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *PaymentHandler) ResetMethod(c *gin.Context) {
	if err := h.orchestrator.ResetPayment(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	st, err := h.orchestrator.MethodStatus(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *PaymentHandler) Notices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notices": h.orchestrator.Notices()})
}
