package mutation

import (
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
)

var Tables = []domain.Table{
	domain.TableProducts,
	domain.TableSales,
	domain.TablePurchases,
	domain.TableExpenses,
	domain.TableStockAdjustments,
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// Schema returns the JSON schema of the record_data variant for table.
func Schema(table domain.Table) (*jsonschema.Schema, error) {
	var v any
	switch table {
	case domain.TableProducts:
		v = ProductPayload{}
	case domain.TableSales:
		v = SalePayload{}
	case domain.TablePurchases:
		v = PurchasePayload{}
	case domain.TableExpenses:
		v = ExpensePayload{}
	case domain.TableStockAdjustments:
		v = StockAdjustmentPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalid, table)
	}

	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == decimalType {
				return &jsonschema.Schema{
					Type:        "string",
					Pattern:     `^-?[0-9]+(\.[0-9]+)?$`,
					Description: "Decimal amount encoded as a string",
				}
			}
			return nil
		},
	}
	schema := reflector.Reflect(v)
	schema.Title = string(table)
	return schema, nil
}
