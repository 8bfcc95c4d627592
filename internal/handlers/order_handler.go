package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/pos-terminal/internal/service"
)

type OrderHandler struct {
	orchestrator *service.Orchestrator
}

func NewOrderHandler(orchestrator *service.Orchestrator) *OrderHandler {
	return &OrderHandler{orchestrator: orchestrator}
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	order, err := h.orchestrator.CreateOrder(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": h.orchestrator.Orders()})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.orchestrator.Order(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) SelectOrder(c *gin.Context) {
	if err := h.orchestrator.SelectOrder(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"current_order_id": c.Param("id")})
}

func (h *OrderHandler) ToggleInvoice(c *gin.Context) {
	toInvoice, err := h.orchestrator.ToggleInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "to_invoice": toInvoice})
}

func (h *OrderHandler) FinalizeOrder(c *gin.Context) {
	if err := h.orchestrator.FinalizeOrder(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "finalized": true})
}

func (h *OrderHandler) DiscardOrder(c *gin.Context) {
	if err := h.orchestrator.DiscardOrder(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
