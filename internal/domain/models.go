package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Table string

const (
	TableProducts         Table = "products"
	TableSales            Table = "sales"
	TablePurchases        Table = "purchases"
	TableExpenses         Table = "expenses"
	TableStockAdjustments Table = "stock_adjustments"
)

type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

const (
	PaymentCash     = "cash"
	PaymentTransfer = "transfer"
	PaymentCard     = "card"
	PaymentUSSD     = "ussd"
)

const (
	ReasonSale         = "sale"
	ReasonPurchase     = "purchase"
	ReasonOpeningStock = "opening_stock"
	ReasonManual       = "manual"
	ReasonDamage       = "damage"
	ReasonReturn       = "return"
	ReasonCount        = "count"
)

const (
	DefaultMinimumStock = 5
	SaleStatusCompleted = "completed"
)

type Product struct {
	ID           int64           `json:"id"`
	UID          string          `json:"uid"`
	RemoteID     int64           `json:"remote_id,omitempty"`
	UserID       string          `json:"user_id"`
	Name         string          `json:"name"`
	SKU          string          `json:"sku,omitempty"`
	Description  string          `json:"description,omitempty"`
	Category     string          `json:"category,omitempty"`
	Unit         string          `json:"unit,omitempty"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	CurrentStock int             `json:"current_stock"`
	MinimumStock int             `json:"minimum_stock"`
	TrackStock   bool            `json:"track_stock"`
	Active       bool            `json:"is_active"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	// LastMutationID is the client mutation that produced Version. Only the
	// remote store tracks it.
	LastMutationID string `json:"last_mutation_id,omitempty"`
}

func (p Product) LowStock() bool {
	return p.TrackStock && p.CurrentStock <= p.MinimumStock
}

type Sale struct {
	ID            int64           `json:"id"`
	UID           string          `json:"uid"`
	RemoteID      int64           `json:"remote_id,omitempty"`
	UserID        string          `json:"user_id"`
	TransactionID string          `json:"transaction_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	Balance       decimal.Decimal `json:"balance"`
	PaymentMethod string          `json:"payment_method"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	Status        string          `json:"status"`
	Notes         string          `json:"notes,omitempty"`
	SaleDate      time.Time       `json:"sale_date"`
	Items         []SaleItem      `json:"items"`
	CreatedAt     time.Time       `json:"created_at"`
}

type SaleItem struct {
	ID          int64           `json:"id"`
	SaleID      int64           `json:"sale_id"`
	ProductID   int64           `json:"product_id,omitempty"`
	ProductUID  string          `json:"product_uid,omitempty"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

type Purchase struct {
	ID            int64           `json:"id"`
	UID           string          `json:"uid"`
	RemoteID      int64           `json:"remote_id,omitempty"`
	UserID        string          `json:"user_id"`
	ProductID     int64           `json:"product_id"`
	ProductUID    string          `json:"product_uid"`
	SupplierName  string          `json:"supplier_name,omitempty"`
	SupplierPhone string          `json:"supplier_phone,omitempty"`
	Quantity      int             `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	Notes         string          `json:"notes,omitempty"`
	PurchaseDate  time.Time       `json:"purchase_date"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Expense struct {
	ID            int64           `json:"id"`
	UID           string          `json:"uid"`
	RemoteID      int64           `json:"remote_id,omitempty"`
	UserID        string          `json:"user_id"`
	Category      string          `json:"category"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	IsRecurring   bool            `json:"is_recurring"`
	Recurrence    string          `json:"recurrence,omitempty"`
	ExpenseDate   time.Time       `json:"expense_date"`
	CreatedAt     time.Time       `json:"created_at"`
}

// StockAdjustment is one signed entry of a product's stock ledger.
type StockAdjustment struct {
	ID            int64     `json:"id"`
	UID           string    `json:"uid"`
	RemoteID      int64     `json:"remote_id,omitempty"`
	UserID        string    `json:"user_id"`
	ProductID     int64     `json:"product_id"`
	ProductUID    string    `json:"product_uid"`
	PreviousStock int       `json:"previous_stock"`
	NewStock      int       `json:"new_stock"`
	Adjustment    int       `json:"adjustment"`
	Reason        string    `json:"reason"`
	Notes         string    `json:"notes,omitempty"`
	SourceTable   Table     `json:"source_table,omitempty"`
	SourceUID     string    `json:"source_uid,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	Name         string          `json:"name"`
	SKU          string          `json:"sku"`
	Description  string          `json:"description"`
	Category     string          `json:"category"`
	Unit         string          `json:"unit"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	InitialStock int             `json:"initial_stock"`
	MinimumStock *int            `json:"minimum_stock,omitempty"`
	TrackStock   *bool           `json:"track_stock,omitempty"`
}

type ProductUpdateRequest struct {
	Name         *string          `json:"name,omitempty"`
	SKU          *string          `json:"sku,omitempty"`
	Description  *string          `json:"description,omitempty"`
	Category     *string          `json:"category,omitempty"`
	Unit         *string          `json:"unit,omitempty"`
	CostPrice    *decimal.Decimal `json:"cost_price,omitempty"`
	SellingPrice *decimal.Decimal `json:"selling_price,omitempty"`
	MinimumStock *int             `json:"minimum_stock,omitempty"`
	TrackStock   *bool            `json:"track_stock,omitempty"`
}

type SaleItemInput struct {
	ProductID   int64           `json:"product_id,omitempty"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type SaleRequest struct {
	Items         []SaleItemInput `json:"items"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	PaymentMethod string          `json:"payment_method"`
	CustomerPhone string          `json:"customer_phone"`
	Notes         string          `json:"notes"`
}

type PurchaseRequest struct {
	ProductID     int64           `json:"product_id"`
	SupplierName  string          `json:"supplier_name"`
	SupplierPhone string          `json:"supplier_phone"`
	Quantity      int             `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	Notes         string          `json:"notes"`
}

type ExpenseRequest struct {
	Category      string          `json:"category"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	PaymentMethod string          `json:"payment_method"`
	IsRecurring   bool            `json:"is_recurring"`
	Recurrence    string          `json:"recurrence"`
}

type AdjustmentRequest struct {
	ProductID  int64  `json:"product_id"`
	Adjustment int    `json:"adjustment"`
	Reason     string `json:"reason"`
	Notes      string `json:"notes"`
}

type SaleFilter struct {
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}
