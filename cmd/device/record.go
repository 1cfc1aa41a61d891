package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ledgerpos/backend/internal/domain"
)

func newRecordCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Commit a ledger transaction on this device",
		Long: `Each record command commits one local transaction. The entity rows,
their stock movements and the queued sync record are written together.`,
	}
	cmd.AddCommand(
		newRecordProductCommand(opts),
		newRecordSaleCommand(opts),
		newRecordPurchaseCommand(opts),
		newRecordExpenseCommand(opts),
		newRecordAdjustCommand(opts),
	)
	return cmd
}

func newRecordProductCommand(opts *rootOptions) *cobra.Command {
	var (
		req          domain.ProductCreateRequest
		cost, price  string
		minimumStock int
		untracked    bool
	)
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Create a product, optionally with opening stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if req.CostPrice, err = parseMoney("cost", cost); err != nil {
				return err
			}
			if req.SellingPrice, err = parseMoney("price", price); err != nil {
				return err
			}
			if cmd.Flags().Changed("min-stock") {
				req.MinimumStock = &minimumStock
			}
			if untracked {
				track := false
				req.TrackStock = &track
			}
			return withDevice(opts, func(d *device) error {
				product, err := d.ledger.CreateProduct(cmd.Context(), d.userID, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), product)
			})
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "product name (required)")
	cmd.Flags().StringVar(&req.SKU, "sku", "", "stock keeping unit")
	cmd.Flags().StringVar(&req.Category, "category", "", "category")
	cmd.Flags().StringVar(&req.Unit, "unit", "", "unit of sale, e.g. pcs")
	cmd.Flags().StringVar(&cost, "cost", "0", "cost price")
	cmd.Flags().StringVar(&price, "price", "0", "selling price")
	cmd.Flags().IntVar(&req.InitialStock, "stock", 0, "opening stock")
	cmd.Flags().IntVar(&minimumStock, "min-stock", 5, "low stock threshold")
	cmd.Flags().BoolVar(&untracked, "untracked", false, "do not track stock for this product")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newRecordSaleCommand(opts *rootOptions) *cobra.Command {
	var (
		items, custom []string
		paid          string
		req           domain.SaleRequest
	)
	cmd := &cobra.Command{
		Use:   "sale",
		Short: "Commit a sale",
		Long: `Items are given as --item <product-id>:<qty> and priced at the product's
selling price. Lines without a product use --custom <name>:<qty>:<unit-price>.`,
		Example: `  ledgerpos-device record sale --item 1:2 --custom "Ongkos kirim:1:5000" --paid 20000`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDevice(opts, func(d *device) error {
				for _, arg := range items {
					input, err := parseItem(arg)
					if err != nil {
						return err
					}
					product, err := d.store.GetProduct(cmd.Context(), d.userID, input.ProductID)
					if err != nil {
						return fmt.Errorf("item %q: %w", arg, err)
					}
					input.UnitPrice = product.SellingPrice
					req.Items = append(req.Items, input)
				}
				for _, arg := range custom {
					input, err := parseCustomLine(arg)
					if err != nil {
						return err
					}
					req.Items = append(req.Items, input)
				}

				req.TotalAmount = decimal.Zero
				for _, item := range req.Items {
					req.TotalAmount = req.TotalAmount.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
				}
				req.AmountPaid = req.TotalAmount
				if paid != "" {
					amount, err := parseMoney("paid", paid)
					if err != nil {
						return err
					}
					req.AmountPaid = amount
				}

				sale, err := d.ledger.CommitSale(cmd.Context(), d.userID, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sale)
			})
		},
	}
	cmd.Flags().StringArrayVar(&items, "item", nil, "product line <product-id>:<qty>")
	cmd.Flags().StringArrayVar(&custom, "custom", nil, "ad-hoc line <name>:<qty>:<unit-price>")
	cmd.Flags().StringVar(&paid, "paid", "", "amount paid (defaults to the total)")
	cmd.Flags().StringVar(&req.PaymentMethod, "method", domain.PaymentCash, "payment method: cash, transfer, card or ussd")
	cmd.Flags().StringVar(&req.CustomerPhone, "phone", "", "customer phone")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "notes")
	return cmd
}

func newRecordPurchaseCommand(opts *rootOptions) *cobra.Command {
	var (
		req      domain.PurchaseRequest
		unitCost string
	)
	cmd := &cobra.Command{
		Use:   "purchase",
		Short: "Record stock bought from a supplier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if req.UnitCost, err = parseMoney("unit-cost", unitCost); err != nil {
				return err
			}
			return withDevice(opts, func(d *device) error {
				purchase, err := d.ledger.CommitPurchase(cmd.Context(), d.userID, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), purchase)
			})
		},
	}
	cmd.Flags().Int64Var(&req.ProductID, "product", 0, "product id (required)")
	cmd.Flags().IntVar(&req.Quantity, "qty", 0, "quantity received (required)")
	cmd.Flags().StringVar(&unitCost, "unit-cost", "0", "cost per unit")
	cmd.Flags().StringVar(&req.SupplierName, "supplier", "", "supplier name")
	cmd.Flags().StringVar(&req.SupplierPhone, "supplier-phone", "", "supplier phone")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func newRecordExpenseCommand(opts *rootOptions) *cobra.Command {
	var (
		req    domain.ExpenseRequest
		amount string
	)
	cmd := &cobra.Command{
		Use:   "expense",
		Short: "Record a business expense",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if req.Amount, err = parseMoney("amount", amount); err != nil {
				return err
			}
			req.IsRecurring = req.Recurrence != ""
			return withDevice(opts, func(d *device) error {
				expense, err := d.ledger.CommitExpense(cmd.Context(), d.userID, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), expense)
			})
		},
	}
	cmd.Flags().StringVar(&req.Category, "category", "", "expense category (required)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount (required)")
	cmd.Flags().StringVar(&req.Description, "description", "", "description")
	cmd.Flags().StringVar(&req.PaymentMethod, "method", domain.PaymentCash, "payment method")
	cmd.Flags().StringVar(&req.Recurrence, "recurring", "", "daily, weekly, monthly or yearly")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newRecordAdjustCommand(opts *rootOptions) *cobra.Command {
	var req domain.AdjustmentRequest
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Correct stock by a signed quantity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDevice(opts, func(d *device) error {
				adj, err := d.ledger.CommitAdjustment(cmd.Context(), d.userID, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), adj)
			})
		},
	}
	cmd.Flags().Int64Var(&req.ProductID, "product", 0, "product id (required)")
	cmd.Flags().IntVar(&req.Adjustment, "by", 0, "signed stock change (required)")
	cmd.Flags().StringVar(&req.Reason, "reason", domain.ReasonManual, "manual, damage, return or count")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func parseMoney(flag, raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("--%s: invalid amount %q", flag, raw)
	}
	return amount, nil
}

func parseItem(arg string) (domain.SaleItemInput, error) {
	parts := strings.Split(arg, ":")
	if len(parts) != 2 {
		return domain.SaleItemInput{}, fmt.Errorf("--item %q: want <product-id>:<qty>", arg)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || id < 1 {
		return domain.SaleItemInput{}, fmt.Errorf("--item %q: invalid product id", arg)
	}
	qty, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return domain.SaleItemInput{}, fmt.Errorf("--item %q: invalid quantity", arg)
	}
	return domain.SaleItemInput{ProductID: id, Quantity: qty}, nil
}

func parseCustomLine(arg string) (domain.SaleItemInput, error) {
	i := strings.LastIndex(arg, ":")
	j := -1
	if i > 0 {
		j = strings.LastIndex(arg[:i], ":")
	}
	if j <= 0 {
		return domain.SaleItemInput{}, fmt.Errorf("--custom %q: want <name>:<qty>:<unit-price>", arg)
	}
	qty, err := strconv.Atoi(strings.TrimSpace(arg[j+1 : i]))
	if err != nil {
		return domain.SaleItemInput{}, fmt.Errorf("--custom %q: invalid quantity", arg)
	}
	price, err := parseMoney("custom", arg[i+1:])
	if err != nil {
		return domain.SaleItemInput{}, err
	}
	return domain.SaleItemInput{ProductName: strings.TrimSpace(arg[:j]), Quantity: qty, UnitPrice: price}, nil
}
