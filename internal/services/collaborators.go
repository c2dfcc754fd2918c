package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"autoflow/internal/models"
	"autoflow/pkg/hookclient"

	"gorm.io/gorm"
)

// OutboundMessage is anything the engine hands to a delivery channel.
type OutboundMessage struct {
	Channel    string
	Recipient  string
	Subject    string
	Body       string
	DueAt      *time.Time
	WorkflowID *uint
	RunID      string
}

type InvoiceRequest struct {
	Number      string
	CustomerID  uint
	Amount      float64
	Currency    string
	Description string
	DueDate     time.Time
	WorkflowID  *uint
}

type Notifier interface {
	Notify(ctx context.Context, msg OutboundMessage) (uint, error)
}

// MessageQueue accepts email and sms messages for later delivery.
type MessageQueue interface {
	Enqueue(ctx context.Context, msg OutboundMessage) (uint, error)
}

type TaskCreator interface {
	CreateTask(ctx context.Context, msg OutboundMessage) (uint, error)
}

type RecordUpdater interface {
	UpdateRecord(ctx context.Context, table string, id uint, fields map[string]interface{}) (int64, error)
}

type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*models.Invoice, error)
}

type InventoryManager interface {
	Deduct(ctx context.Context, sku string, quantity int) (remaining int, err error)
}

type EquipmentUpdater interface {
	UpdateEquipment(ctx context.Context, id uint, status, notes string) error
}

type HTTPCaller interface {
	Do(ctx context.Context, req hookclient.Request) (*hookclient.Response, error)
}

// Collaborators are the side-effecting operations behind the action handlers.
// A nil field makes the corresponding action fail permanently.
type Collaborators struct {
	Notifier  Notifier
	Messages  MessageQueue
	Tasks     TaskCreator
	Records   RecordUpdater
	Invoices  InvoiceCreator
	Inventory InventoryManager
	Equipment EquipmentUpdater
	HTTP      HTTPCaller
}

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// GormCollaborators implements every collaborator on top of the engine database.
type GormCollaborators struct {
	db *gorm.DB
}

func NewGormCollaborators(db *gorm.DB) *GormCollaborators {
	return &GormCollaborators{db: db}
}

// Collaborators wires g into every slot; http may be nil.
func (g *GormCollaborators) Collaborators(http HTTPCaller) Collaborators {
	return Collaborators{
		Notifier:  g,
		Messages:  g,
		Tasks:     g,
		Records:   g,
		Invoices:  g,
		Inventory: g,
		Equipment: g,
		HTTP:      http,
	}
}

func (g *GormCollaborators) outbox(ctx context.Context, msg OutboundMessage) (uint, error) {
	row := models.OutboxMessage{
		Channel:    msg.Channel,
		Recipient:  msg.Recipient,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Status:     "pending",
		DueAt:      msg.DueAt,
		WorkflowID: msg.WorkflowID,
		RunID:      msg.RunID,
	}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("enqueue %s message: %w", msg.Channel, err)
	}
	return row.ID, nil
}

func (g *GormCollaborators) Notify(ctx context.Context, msg OutboundMessage) (uint, error) {
	msg.Channel = models.ChannelNotification
	return g.outbox(ctx, msg)
}

func (g *GormCollaborators) Enqueue(ctx context.Context, msg OutboundMessage) (uint, error) {
	if msg.Channel != models.ChannelEmail && msg.Channel != models.ChannelSMS {
		return 0, fmt.Errorf("unsupported channel %q", msg.Channel)
	}
	return g.outbox(ctx, msg)
}

func (g *GormCollaborators) CreateTask(ctx context.Context, msg OutboundMessage) (uint, error) {
	msg.Channel = models.ChannelTask
	return g.outbox(ctx, msg)
}

// updatableTables lists the tables update_record may touch.
var updatableTables = map[string]bool{
	"invoices":        true,
	"inventory_items": true,
	"equipment":       true,
	"outbox_messages": true,
}

var columnName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (g *GormCollaborators) UpdateRecord(ctx context.Context, table string, id uint, fields map[string]interface{}) (int64, error) {
	table = strings.ToLower(table)
	if !updatableTables[table] {
		return 0, fmt.Errorf("table %q is not updatable", table)
	}
	if len(fields) == 0 {
		return 0, fmt.Errorf("no fields to update")
	}
	for k := range fields {
		if !columnName.MatchString(k) || k == "id" {
			return 0, fmt.Errorf("invalid column %q", k)
		}
	}
	res := g.db.WithContext(ctx).Table(table).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return 0, fmt.Errorf("update %s #%d: %w", table, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("%w: %s #%d", ErrRecordNotFound, table, id)
	}
	return res.RowsAffected, nil
}

func (g *GormCollaborators) CreateInvoice(ctx context.Context, req InvoiceRequest) (*models.Invoice, error) {
	number := req.Number
	if number == "" {
		number = fmt.Sprintf("INV-%s-%s", time.Now().UTC().Format("20060102"), strings.ToUpper(newRunID()[:8]))
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	inv := &models.Invoice{
		Number:      number,
		CustomerID:  req.CustomerID,
		Amount:      req.Amount,
		Currency:    currency,
		Description: req.Description,
		Status:      models.InvoiceStatusUnpaid,
		DueDate:     req.DueDate.UTC(),
		WorkflowID:  req.WorkflowID,
	}
	if err := g.db.WithContext(ctx).Create(inv).Error; err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return inv, nil
}

// Deduct decrements stock atomically; it never lets quantity go below zero.
func (g *GormCollaborators) Deduct(ctx context.Context, sku string, quantity int) (int, error) {
	var remaining int
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.InventoryItem{}).
			Where("sku = ? AND quantity >= ?", sku, quantity).
			UpdateColumn("quantity", gorm.Expr("quantity - ?", quantity))
		if res.Error != nil {
			return res.Error
		}
		var item models.InventoryItem
		if err := tx.Where("sku = ?", sku).First(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: sku %s", ErrRecordNotFound, sku)
			}
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: sku %s has %d, need %d", ErrInsufficientStock, sku, item.Quantity, quantity)
		}
		remaining = item.Quantity
		return nil
	})
	return remaining, err
}

func (g *GormCollaborators) UpdateEquipment(ctx context.Context, id uint, status, notes string) error {
	updates := map[string]interface{}{"status": status}
	if notes != "" {
		updates["notes"] = notes
	}
	res := g.db.WithContext(ctx).Model(&models.Equipment{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update equipment #%d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: equipment #%d", ErrRecordNotFound, id)
	}
	return nil
}
