package mutation

import (
	"time"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
)

// Payload is the typed record_data of one queued mutation. There is one
// implementation per synchronized table.
type Payload interface {
	Table() domain.Table
	EntityUID() string
	check(op domain.Operation) error
}

// StockDelta is a signed stock change carried inside a composite payload.
type StockDelta struct {
	AdjustmentUID string `json:"adjustment_uid" validate:"required,uuid" jsonschema_description:"Client uid of the stock adjustment row"`
	ProductUID    string `json:"product_uid" validate:"required,uuid"`
	Delta         int    `json:"delta" validate:"ne=0" jsonschema_description:"Signed quantity change, negative for sales"`
}

type ProductPayload struct {
	UID          string          `json:"uid" validate:"required,uuid"`
	Name         string          `json:"name" validate:"required,max=255"`
	SKU          string          `json:"sku,omitempty" validate:"max=100"`
	Description  string          `json:"description,omitempty" validate:"max=2000"`
	Category     string          `json:"category,omitempty" validate:"max=100"`
	Unit         string          `json:"unit,omitempty" validate:"max=50"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	MinimumStock int             `json:"minimum_stock" validate:"gte=0"`
	TrackStock   bool            `json:"track_stock"`
	Active       bool            `json:"is_active"`
	OpeningStock *StockDelta     `json:"opening_stock,omitempty"`
	BaseVersion  int64           `json:"base_version" validate:"gte=0" jsonschema_description:"Remote version this edit was made against"`
	UpdatedAt    time.Time       `json:"updated_at" jsonschema_description:"Device clock at the time of the edit, used for last-writer-wins"`
}

func (p ProductPayload) Table() domain.Table { return domain.TableProducts }
func (p ProductPayload) EntityUID() string   { return p.UID }

type SaleItemPayload struct {
	ProductUID  string          `json:"product_uid,omitempty" validate:"omitempty,uuid"`
	ProductName string          `json:"product_name" validate:"required,max=255"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity" validate:"gt=0"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

type SalePayload struct {
	UID           string            `json:"uid" validate:"required,uuid"`
	TransactionID string            `json:"transaction_id" validate:"required,max=100"`
	TotalAmount   decimal.Decimal   `json:"total_amount"`
	AmountPaid    decimal.Decimal   `json:"amount_paid"`
	Balance       decimal.Decimal   `json:"balance"`
	PaymentMethod string            `json:"payment_method" validate:"required,oneof=cash transfer card ussd"`
	CustomerPhone string            `json:"customer_phone,omitempty" validate:"max=20"`
	Notes         string            `json:"notes,omitempty" validate:"max=2000"`
	SaleDate      time.Time         `json:"sale_date"`
	Items         []SaleItemPayload `json:"items" validate:"required,min=1,dive"`
	StockDeltas   []StockDelta      `json:"stock_deltas" validate:"dive"`
}

func (p SalePayload) Table() domain.Table { return domain.TableSales }
func (p SalePayload) EntityUID() string   { return p.UID }

type PurchasePayload struct {
	UID           string          `json:"uid" validate:"required,uuid"`
	ProductUID    string          `json:"product_uid" validate:"required,uuid"`
	SupplierName  string          `json:"supplier_name,omitempty" validate:"max=255"`
	SupplierPhone string          `json:"supplier_phone,omitempty" validate:"max=20"`
	Quantity      int             `json:"quantity" validate:"gt=0"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	Notes         string          `json:"notes,omitempty" validate:"max=2000"`
	PurchaseDate  time.Time       `json:"purchase_date"`
	StockDelta    StockDelta      `json:"stock_delta"`
}

func (p PurchasePayload) Table() domain.Table { return domain.TablePurchases }
func (p PurchasePayload) EntityUID() string   { return p.UID }

type ExpensePayload struct {
	UID           string          `json:"uid" validate:"required,uuid"`
	Category      string          `json:"category" validate:"required,max=100"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty" validate:"max=2000"`
	PaymentMethod string          `json:"payment_method" validate:"required,oneof=cash transfer card ussd"`
	IsRecurring   bool            `json:"is_recurring"`
	Recurrence    string          `json:"recurrence,omitempty" validate:"omitempty,oneof=daily weekly monthly yearly"`
	ExpenseDate   time.Time       `json:"expense_date"`
}

func (p ExpensePayload) Table() domain.Table { return domain.TableExpenses }
func (p ExpensePayload) EntityUID() string   { return p.UID }

type StockAdjustmentPayload struct {
	UID        string `json:"uid" validate:"required,uuid"`
	ProductUID string `json:"product_uid" validate:"required,uuid"`
	Delta      int    `json:"delta" validate:"ne=0"`
	Reason     string `json:"reason" validate:"required,oneof=manual damage return count opening_stock"`
	Notes      string `json:"notes,omitempty" validate:"max=2000"`
}

func (p StockAdjustmentPayload) Table() domain.Table { return domain.TableStockAdjustments }
func (p StockAdjustmentPayload) EntityUID() string   { return p.UID }

// Deltas lists every stock change the payload applies, in payload order.
func Deltas(p Payload) []StockDelta {
	switch v := p.(type) {
	case SalePayload:
		return v.StockDeltas
	case PurchasePayload:
		return []StockDelta{v.StockDelta}
	case StockAdjustmentPayload:
		return []StockDelta{{AdjustmentUID: v.UID, ProductUID: v.ProductUID, Delta: v.Delta}}
	case ProductPayload:
		if v.OpeningStock != nil {
			return []StockDelta{*v.OpeningStock}
		}
	}
	return nil
}

// ProductRefs lists the distinct product uids referenced by p, excluding the
// product a ProductPayload itself describes.
func ProductRefs(p Payload) []string {
	var refs []string
	seen := make(map[string]bool)
	add := func(uid string) {
		if uid != "" && !seen[uid] {
			seen[uid] = true
			refs = append(refs, uid)
		}
	}
	switch v := p.(type) {
	case SalePayload:
		for _, item := range v.Items {
			add(item.ProductUID)
		}
	case PurchasePayload:
		add(v.ProductUID)
	case StockAdjustmentPayload:
		add(v.ProductUID)
	}
	return refs
}
