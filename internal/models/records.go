package models

import "time"

// Records below belong to the business side of the system. The engine only touches them
// through the bundled action executors and the overdue invoice sweep.

const (
	InvoiceStatusUnpaid = "unpaid"
	InvoiceStatusPaid   = "paid"
)

type Invoice struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Number      string     `gorm:"size:64;uniqueIndex" json:"number"`
	CustomerID  uint       `gorm:"index" json:"customer_id"`
	Amount      float64    `json:"amount"`
	Currency    string     `gorm:"size:8" json:"currency"`
	Description string     `gorm:"type:text" json:"description"`
	Status      string     `gorm:"size:16;index" json:"status"`
	DueDate     time.Time  `gorm:"index" json:"due_date"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	WorkflowID  *uint      `gorm:"index" json:"workflow_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Outbox channels
const (
	ChannelNotification = "notification"
	ChannelEmail        = "email"
	ChannelSMS          = "sms"
	ChannelTask         = "task"
)

// OutboxMessage is a queued side effect picked up by the transport workers.
type OutboxMessage struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Channel    string     `gorm:"size:16;index" json:"channel"`
	Recipient  string     `gorm:"size:255" json:"recipient"`
	Subject    string     `gorm:"size:255" json:"subject"`
	Body       string     `gorm:"type:text" json:"body"`
	Status     string     `gorm:"size:16;index;default:pending" json:"status"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	WorkflowID *uint      `gorm:"index" json:"workflow_id,omitempty"`
	RunID      string     `gorm:"size:36;index" json:"run_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

type InventoryItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SKU       string    `gorm:"size:64;uniqueIndex" json:"sku"`
	Name      string    `gorm:"size:255" json:"name"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Equipment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255" json:"name"`
	Status    string    `gorm:"size:32;index" json:"status"`
	Notes     string    `gorm:"type:text" json:"notes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the table name; update_record addresses it by name.
func (Equipment) TableName() string { return "equipment" }

// All returns every model managed by AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Workflow{}, &Execution{}, &ActionAttempt{}, &WorkflowVersion{}, &AuditEntry{},
		&ContextEntry{}, &Invoice{}, &OutboxMessage{}, &InventoryItem{}, &Equipment{},
	}
}
