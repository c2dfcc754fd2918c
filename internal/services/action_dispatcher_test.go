package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"autoflow/internal/models"
	"autoflow/pkg/hookclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcherEnv(t *testing.T) (*testEnv, *ActionContext) {
	env := newTestEnv(t)
	return env, &ActionContext{WorkflowID: 1, RunID: "run-1", Vars: map[string]interface{}{}}
}

func TestDispatch_UnknownTypeIsPermanent(t *testing.T) {
	env, ac := newDispatcherEnv(t)
	_, err := env.dispatcher.Dispatch(context.Background(), ac, "fax", nil)
	require.ErrorIs(t, err, ErrUnknownActionType)
	assert.True(t, IsPermanent(err))
	assert.False(t, env.dispatcher.Supports("fax"))
	for _, at := range models.AllActionTypes {
		assert.True(t, env.dispatcher.Supports(at), at)
	}
}

func TestDispatch_InvalidConfigIsPermanent(t *testing.T) {
	env, ac := newDispatcherEnv(t)
	_, err := env.dispatcher.Dispatch(context.Background(), ac, models.ActionSendEmail, map[string]interface{}{"subject": "hi"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestDispatch_DeductInventory(t *testing.T) {
	env, ac := newDispatcherEnv(t)
	require.NoError(t, env.db.Create(&models.InventoryItem{SKU: "FILTER-01", Name: "Filter", Quantity: 10}).Error)

	out, err := env.dispatcher.Dispatch(context.Background(), ac, models.ActionDeductInventory, map[string]interface{}{"sku": "FILTER-01", "quantity": "4"})
	require.NoError(t, err)
	assert.Equal(t, 6, out["remaining_quantity"])

	_, err = env.dispatcher.Dispatch(context.Background(), ac, models.ActionDeductInventory, map[string]interface{}{"sku": "FILTER-01", "quantity": 7})
	assert.ErrorIs(t, err, ErrInsufficientStock)

	_, err = env.dispatcher.Dispatch(context.Background(), ac, models.ActionDeductInventory, map[string]interface{}{"sku": "NOPE", "quantity": 1})
	assert.ErrorIs(t, err, ErrRecordNotFound)

	var item models.InventoryItem
	require.NoError(t, env.db.Where("sku = ?", "FILTER-01").First(&item).Error)
	assert.Equal(t, 6, item.Quantity)
}

func TestDispatch_UpdateRecordAndEquipment(t *testing.T) {
	env, ac := newDispatcherEnv(t)
	eq := models.Equipment{Name: "Press 4", Status: "running"}
	require.NoError(t, env.db.Create(&eq).Error)

	out, err := env.dispatcher.Dispatch(context.Background(), ac, models.ActionUpdateEquipment, map[string]interface{}{
		"equipment_id": eq.ID, "status": "maintenance", "notes": "bearing noise",
	})
	require.NoError(t, err)
	assert.Equal(t, "maintenance", out["equipment_status"])

	out, err = env.dispatcher.Dispatch(context.Background(), ac, models.ActionUpdateRecord, map[string]interface{}{
		"table": "equipment", "id": eq.ID, "fields": map[string]interface{}{"status": "running"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, out["rows_affected"])

	var got models.Equipment
	require.NoError(t, env.db.First(&got, eq.ID).Error)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, "bearing noise", got.Notes)

	_, err = env.dispatcher.Dispatch(context.Background(), ac, models.ActionUpdateRecord, map[string]interface{}{
		"table": "audit_entries", "id": 1, "fields": map[string]interface{}{"event_type": "x"},
	})
	assert.Error(t, err)

	_, err = env.dispatcher.Dispatch(context.Background(), ac, models.ActionUpdateRecord, map[string]interface{}{
		"table": "equipment", "id": eq.ID, "fields": map[string]interface{}{"status; drop table x": "y"},
	})
	assert.Error(t, err)
}

func TestDispatch_DelayIsCappedAndCancellable(t *testing.T) {
	env, ac := newDispatcherEnv(t)

	start := time.Now()
	_, err := env.dispatcher.Dispatch(context.Background(), ac, models.ActionDelay, map[string]interface{}{"duration": "1h"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = env.dispatcher.Dispatch(ctx, ac, models.ActionDelay, map[string]interface{}{"seconds": 30})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateCondition(t *testing.T) {
	vars := map[string]interface{}{"status": "paid", "amount": 120.5, "note": "urgent: call back"}
	cases := []struct {
		field, op string
		value     interface{}
		want      bool
	}{
		{"status", "eq", "paid", true},
		{"status", "neq", "paid", false},
		{"note", "contains", "urgent", true},
		{"amount", "gt", 100, true},
		{"amount", "lt", "100", false},
		{"status", "gt", 1, false},
		{"missing", "eq", "", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evaluateCondition(tc.field, tc.op, tc.value, vars), "%s %s %v", tc.field, tc.op, tc.value)
	}
}

func TestDispatch_CallWebhook(t *testing.T) {
	var gotRunID string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRunID = r.Header.Get("X-Autoflow-Run-ID")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	env := newTestEnv(t)
	client := hookclient.NewClient(hookclient.DefaultConfig(), quietLogger())
	d := NewActionDispatcher(NewGormCollaborators(env.db).Collaborators(client), DispatcherOptions{}, quietLogger())
	ac := &ActionContext{WorkflowID: 1, RunID: "run-9"}

	out, err := d.Dispatch(context.Background(), ac, models.ActionCallWebhook, map[string]interface{}{
		"url": srv.URL + "/hook", "body": map[string]interface{}{"invoice": "INV-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, out["status_code"])
	assert.Equal(t, `{"ok":true}`, out["response_body"])
	assert.Equal(t, "run-9", gotRunID)
	assert.Equal(t, "INV-1", gotBody["invoice"])

	_, err = d.Dispatch(context.Background(), ac, models.ActionCallWebhook, map[string]interface{}{"url": srv.URL + "/gone"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	var se *hookclient.StatusError
	assert.True(t, errors.As(err, &se))
}

func TestDispatch_MissingCollaboratorIsPermanent(t *testing.T) {
	d := NewActionDispatcher(Collaborators{}, DispatcherOptions{}, quietLogger())
	_, err := d.Dispatch(context.Background(), &ActionContext{}, models.ActionNotify, map[string]interface{}{"recipient": "ops", "message": "hi"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
