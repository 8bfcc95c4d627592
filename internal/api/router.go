package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/pos-terminal/internal/handlers"
	"github.com/akylbek/payment-system/pos-terminal/internal/service"
	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
)

func NewRouter(orchestrator *service.Orchestrator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "pos-terminal"})
	})

	orderHandler := handlers.NewOrderHandler(orchestrator)
	paymentHandler := handlers.NewPaymentHandler(orchestrator)

	// Orders
	r.POST("/orders", orderHandler.CreateOrder)
	r.GET("/orders", orderHandler.ListOrders)
	r.GET("/orders/:id", orderHandler.GetOrder)
	r.DELETE("/orders/:id", orderHandler.DiscardOrder)
	r.POST("/orders/:id/select", orderHandler.SelectOrder)
	r.POST("/orders/:id/invoice", orderHandler.ToggleInvoice)
	r.POST("/orders/:id/finalize", orderHandler.FinalizeOrder)

	// Payment lines
	r.POST("/orders/:id/lines", paymentHandler.AddLine)
	r.DELETE("/orders/:id/lines/:line_id", paymentHandler.DeleteLine)
	r.POST("/orders/:id/lines/:line_id/pay", paymentHandler.Pay)
	r.POST("/orders/:id/lines/:line_id/cancel", paymentHandler.Cancel)

	// Terminals and guard
	r.GET("/methods", paymentHandler.Methods)
	r.GET("/methods/:id/status", paymentHandler.MethodStatus)
	r.POST("/methods/:id/reset", paymentHandler.ResetMethod)
	r.POST("/guard/check", paymentHandler.Check)
	r.GET("/notices", paymentHandler.Notices)

	return r
}
