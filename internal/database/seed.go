package database

import (
	"time"

	"autoflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var compositeIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_audit_workflow_created ON audit_entries(workflow_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_audit_user_created ON audit_entries(user_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_executions_workflow_started ON executions(workflow_id, started_at)",
	"CREATE INDEX IF NOT EXISTS idx_invoices_status_due ON invoices(status, due_date)",
}

// CreateIndexes adds composite indexes the audit and sweep queries rely on.
func CreateIndexes(db *gorm.DB) {
	for _, stmt := range compositeIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			logrus.Warnf("create index: %v", err)
		}
	}
}

// Seed inserts sample workflows and business records. Existing rows are left alone.
func Seed(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.Workflow{}).Where("name = ?", "Overdue invoice reminder").Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		wf := models.Workflow{
			Name:        "Overdue invoice reminder",
			Description: "Email the customer when an invoice passes its due date",
			Enabled:     true,
			Trigger: datatypes.NewJSONType(models.Trigger{
				Type:      models.TriggerEvent,
				EventType: "invoice_overdue",
			}),
			Actions: datatypes.NewJSONSlice([]models.Action{
				{
					Type:  models.ActionSendEmail,
					Name:  "email customer",
					Order: 1,
					Config: map[string]interface{}{
						"to":      "customer-{{customer_id}}@example.com",
						"subject": "Invoice {{invoice_number}} is overdue",
						"body":    "Invoice {{invoice_number}} for {{amount}} is {{days_overdue}} days overdue.",
					},
				},
				{
					Type:  models.ActionCreateTask,
					Name:  "follow up",
					Order: 2,
					Config: map[string]interface{}{
						"title":    "Follow up on invoice {{invoice_number}}",
						"assignee": "billing",
					},
				},
			}),
			Tags: datatypes.NewJSONSlice([]string{"billing"}),
		}
		if err := db.Create(&wf).Error; err != nil {
			return err
		}
		logrus.Info("Created sample workflow")
	}

	var item models.InventoryItem
	if err := db.Where("sku = ?", "FILTER-01").First(&item).Error; err != nil {
		item = models.InventoryItem{SKU: "FILTER-01", Name: "Air filter", Quantity: 25}
		if err := db.Create(&item).Error; err != nil {
			return err
		}
		logrus.Info("Created sample inventory item")
	}

	var inv models.Invoice
	if err := db.Where("number = ?", "INV-SEED-0001").First(&inv).Error; err != nil {
		inv = models.Invoice{
			Number:     "INV-SEED-0001",
			CustomerID: 1,
			Amount:     120,
			Currency:   "USD",
			Status:     models.InvoiceStatusUnpaid,
			DueDate:    time.Now().UTC().AddDate(0, 0, -3),
		}
		if err := db.Create(&inv).Error; err != nil {
			return err
		}
		logrus.Info("Created sample overdue invoice")
	}
	return nil
}
