package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/pos"
	"github.com/akylbek/payment-system/pos-terminal/internal/registry"
	"github.com/akylbek/payment-system/pos-terminal/internal/service"
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal"
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal/terminaltest"
)

func setup(t *testing.T, script terminaltest.Script) *gin.Engine {
	t.Helper()
	bridge := terminaltest.New(script).Start()

	notices := service.NewNoticeQueue(0)
	reg := registry.New(registry.Options{Notifier: notices})
	require.NoError(t, reg.Register(bridge.Method("geidea"), terminal.NewWSOpener()))
	require.NoError(t, reg.Register(models.PaymentMethod{ID: "cash", Name: "Cash"}, terminal.NewWSOpener()))

	svc := service.NewOrchestrator(pos.NewBook(), reg, nil, nil, notices)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		bridge.Close()
	})
	return NewRouter(svc)
}

func do(t *testing.T, r http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func firstLine(t *testing.T, r http.Handler, orderID string) map[string]any {
	t.Helper()
	code, order := do(t, r, http.MethodGet, "/orders/"+orderID, nil)
	require.Equal(t, http.StatusOK, code)
	lines := order["lines"].([]any)
	require.NotEmpty(t, lines)
	return lines[0].(map[string]any)
}

func TestRouter_Health(t *testing.T) {
	r := setup(t, terminaltest.Silent())
	code, body := do(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_PayApproved(t *testing.T) {
	r := setup(t, terminaltest.Approve(terminaltest.SampleResult()))

	code, order := do(t, r, http.MethodPost, "/orders", nil)
	require.Equal(t, http.StatusCreated, code)
	orderID := order["id"].(string)

	code, line := do(t, r, http.MethodPost, "/orders/"+orderID+"/lines", gin.H{"method_id": "geidea", "amount": "25.50"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pending", line["status"])
	lineID := line["id"].(string)

	code, out := do(t, r, http.MethodPost, "/orders/"+orderID+"/lines/"+lineID+"/pay", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.NotEmpty(t, out["session_id"])

	require.Eventually(t, func() bool {
		return firstLine(t, r, orderID)["status"] == "done"
	}, 3*time.Second, 10*time.Millisecond)

	txn := firstLine(t, r, orderID)["transaction"].(map[string]any)
	assert.Equal(t, "512300123456", txn["rrn"])
	assert.Equal(t, "VISA", txn["card_type"])

	code, st := do(t, r, http.MethodGet, "/methods/geidea/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "APPROVED", st["state"])
}

func TestRouter_GuardDenials(t *testing.T) {
	r := setup(t, terminaltest.Silent())

	_, order := do(t, r, http.MethodPost, "/orders", nil)
	orderID := order["id"].(string)
	_, line := do(t, r, http.MethodPost, "/orders/"+orderID+"/lines", gin.H{"method_id": "geidea", "amount": 10})
	lineID := line["id"].(string)

	code, _ := do(t, r, http.MethodPost, "/orders/"+orderID+"/lines/"+lineID+"/pay", nil)
	require.Equal(t, http.StatusAccepted, code)

	code, denied := do(t, r, http.MethodPost, "/orders", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, denied["allowed"])
	assert.NotEmpty(t, denied["reason"])
	assert.Equal(t, orderID, denied["order_id"])

	code, _ = do(t, r, http.MethodDelete, "/orders/"+orderID+"/lines/"+lineID, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, denied = do(t, r, http.MethodDelete, "/orders/"+orderID, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "discardOrder", denied["action"])

	code, _ = do(t, r, http.MethodPost, "/orders/"+orderID+"/lines/"+lineID+"/pay", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, d := do(t, r, http.MethodPost, "/guard/check", gin.H{"action": "leaveForProductScreen", "order_id": orderID})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, d["allowed"])

	code, _ = do(t, r, http.MethodPost, "/guard/check", gin.H{"action": "fly"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, st := do(t, r, http.MethodGet, "/methods/geidea/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, st["active"])

	code, msg := do(t, r, http.MethodPost, "/orders/"+orderID+"/lines/"+lineID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Please cancel the payment directly on the terminal.", msg["message"])

	code, st = do(t, r, http.MethodPost, "/methods/geidea/reset", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PENDING", st["state"])
	assert.Equal(t, "retry", firstLine(t, r, orderID)["status"])

	code, _ = do(t, r, http.MethodDelete, "/orders/"+orderID+"/lines/"+lineID, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, notices := do(t, r, http.MethodGet, "/notices", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, notices["notices"])
}

func TestRouter_Errors(t *testing.T) {
	r := setup(t, terminaltest.Silent())

	code, _ := do(t, r, http.MethodGet, "/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	_, order := do(t, r, http.MethodPost, "/orders", nil)
	orderID := order["id"].(string)

	code, _ = do(t, r, http.MethodPost, "/orders/"+orderID+"/lines", gin.H{"amount": 5})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, r, http.MethodPost, "/orders/"+orderID+"/lines", gin.H{"method_id": "geidea", "amount": -5})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, r, http.MethodPost, "/orders/"+orderID+"/lines", gin.H{"method_id": "visa", "amount": 5})
	assert.Equal(t, http.StatusNotFound, code)

	_, line := do(t, r, http.MethodPost, "/orders/"+orderID+"/lines", gin.H{"method_id": "cash", "amount": 5})
	code, body := do(t, r, http.MethodPost, "/orders/"+orderID+"/lines/"+line["id"].(string)+"/pay", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "CONFIG_ERROR", body["outcome"].(map[string]any)["state"])

	code, inv := do(t, r, http.MethodPost, "/orders/"+orderID+"/invoice", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, inv["to_invoice"])

	code, _ = do(t, r, http.MethodPost, "/orders/"+orderID+"/finalize", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, r, http.MethodPost, "/orders/"+orderID+"/finalize", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, list := do(t, r, http.MethodGet, "/orders", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, list["orders"], 1)

	code, _ = do(t, r, http.MethodGet, "/methods/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, r, http.MethodDelete, "/orders/"+orderID, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, r, http.MethodGet, "/orders/"+orderID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, r, http.MethodDelete, "/orders/"+orderID, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
