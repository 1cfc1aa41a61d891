package mutation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/xid"
)

var ErrInvalid = errors.New("invalid mutation")

// Tolerance is the largest accepted gap between a sale total and the sum of
// its line totals.
var Tolerance = decimal.New(1, -2)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the wire form of one mutation sent to the remote apply call.
type Envelope struct {
	TableName        domain.Table     `json:"table_name"`
	Operation        domain.Operation `json:"operation"`
	RecordData       json.RawMessage  `json:"record_data"`
	ClientMutationID string           `json:"client_mutation_id"`
}

func FromRecord(rec domain.PendingSyncRecord) Envelope {
	return Envelope{
		TableName:        rec.TableName,
		Operation:        rec.Operation,
		RecordData:       rec.RecordData,
		ClientMutationID: rec.ClientMutationID,
	}
}

// New validates p and wraps it into an envelope keyed by mutationID.
func New(op domain.Operation, p Payload, mutationID string) (Envelope, error) {
	if err := Validate(op, p); err != nil {
		return Envelope{}, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", p.Table(), err)
	}
	return Envelope{
		TableName:        p.Table(),
		Operation:        op,
		RecordData:       raw,
		ClientMutationID: mutationID,
	}, nil
}

// Decode strictly parses the record data of env into its table's payload
// type and validates it.
func Decode(env Envelope) (Payload, error) {
	if !xid.Valid(env.ClientMutationID) {
		return nil, fmt.Errorf("%w: client_mutation_id must be a uuid", ErrInvalid)
	}
	if len(bytes.TrimSpace(env.RecordData)) == 0 {
		return nil, fmt.Errorf("%w: record_data is required", ErrInvalid)
	}

	var (
		payload Payload
		err     error
	)
	switch env.TableName {
	case domain.TableProducts:
		payload, err = decodeStrict[ProductPayload](env.RecordData)
	case domain.TableSales:
		payload, err = decodeStrict[SalePayload](env.RecordData)
	case domain.TablePurchases:
		payload, err = decodeStrict[PurchasePayload](env.RecordData)
	case domain.TableExpenses:
		payload, err = decodeStrict[ExpensePayload](env.RecordData)
	case domain.TableStockAdjustments:
		payload, err = decodeStrict[StockAdjustmentPayload](env.RecordData)
	default:
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalid, env.TableName)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s record_data: %v", ErrInvalid, env.TableName, err)
	}
	if err := Validate(env.Operation, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func decodeStrict[T any](raw json.RawMessage) (T, error) {
	var out T
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// Validate runs the struct tag rules and the cross-field rules of p.
func Validate(op domain.Operation, p Payload) error {
	if !Allowed(p.Table(), op) {
		return fmt.Errorf("%w: operation %s not allowed on %s", ErrInvalid, op, p.Table())
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, describe(err))
	}
	if err := p.check(op); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Allowed reports whether op may be queued for table. Only products are
// mutable after creation.
func Allowed(table domain.Table, op domain.Operation) bool {
	switch op {
	case domain.OperationCreate:
		return true
	case domain.OperationUpdate, domain.OperationDelete:
		return table == domain.TableProducts
	}
	return false
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func (p ProductPayload) check(op domain.Operation) error {
	if p.CostPrice.IsNegative() || p.SellingPrice.IsNegative() {
		return errors.New("prices must be >= 0")
	}
	if p.UpdatedAt.IsZero() {
		return errors.New("updated_at is required")
	}
	if p.OpeningStock != nil {
		if op != domain.OperationCreate {
			return errors.New("opening_stock is only valid on CREATE")
		}
		if p.OpeningStock.ProductUID != p.UID || p.OpeningStock.Delta < 0 {
			return errors.New("opening_stock must be a positive delta for this product")
		}
	}
	if op == domain.OperationDelete && p.Active {
		return errors.New("DELETE must deactivate the product")
	}
	return nil
}

func (p SalePayload) check(domain.Operation) error {
	if p.TotalAmount.IsNegative() || p.AmountPaid.IsNegative() {
		return errors.New("amounts must be >= 0")
	}
	if !p.Balance.Equal(p.TotalAmount.Sub(p.AmountPaid)) {
		return errors.New("balance must equal total_amount - amount_paid")
	}
	if p.SaleDate.IsZero() {
		return errors.New("sale_date is required")
	}

	sum := decimal.Zero
	sold := make(map[string]int)
	for i, item := range p.Items {
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("items[%d]: unit_price must be >= 0", i)
		}
		if !item.TotalPrice.Equal(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))) {
			return fmt.Errorf("items[%d]: total_price must equal unit_price * quantity", i)
		}
		sum = sum.Add(item.TotalPrice)
		if item.ProductUID != "" {
			sold[item.ProductUID] += item.Quantity
		}
	}
	if sum.Sub(p.TotalAmount).Abs().GreaterThan(Tolerance) {
		return fmt.Errorf("total_amount %s does not match item total %s", p.TotalAmount, sum)
	}

	moved := make(map[string]int)
	for _, d := range p.StockDeltas {
		if d.Delta >= 0 {
			return errors.New("sale stock deltas must be negative")
		}
		moved[d.ProductUID] -= d.Delta
	}
	if len(moved) != len(sold) {
		return errors.New("stock_deltas do not match sold products")
	}
	for uid, qty := range sold {
		if moved[uid] != qty {
			return fmt.Errorf("stock delta for product %s does not match quantity %d", uid, qty)
		}
	}
	return nil
}

func (p PurchasePayload) check(domain.Operation) error {
	if p.UnitCost.IsNegative() {
		return errors.New("unit_cost must be >= 0")
	}
	if !p.TotalCost.Equal(p.UnitCost.Mul(decimal.NewFromInt(int64(p.Quantity)))) {
		return errors.New("total_cost must equal unit_cost * quantity")
	}
	if p.PurchaseDate.IsZero() {
		return errors.New("purchase_date is required")
	}
	if p.StockDelta.ProductUID != p.ProductUID || p.StockDelta.Delta != p.Quantity {
		return errors.New("stock_delta must add the purchased quantity to the product")
	}
	return nil
}

func (p ExpensePayload) check(domain.Operation) error {
	if !p.Amount.IsPositive() {
		return errors.New("amount must be > 0")
	}
	if p.IsRecurring && p.Recurrence == "" {
		return errors.New("recurrence is required for recurring expenses")
	}
	if !p.IsRecurring && p.Recurrence != "" {
		return errors.New("recurrence set on a one-off expense")
	}
	if p.ExpenseDate.IsZero() {
		return errors.New("expense_date is required")
	}
	return nil
}

func (p StockAdjustmentPayload) check(domain.Operation) error {
	return nil
}
