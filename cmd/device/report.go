package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ledgerpos/backend/internal/domain"
)

const dateLayout = "2006-01-02"

func newReportCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Read-only views of the local ledger",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "low-stock",
			Short: "List active products at or below their minimum stock",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDevice(opts, func(d *device) error {
					products, err := d.ledger.LowStock(cmd.Context(), d.userID)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), products)
				})
			},
		},
		newSalesReportCommand(opts),
	)
	return cmd
}

func newSalesReportCommand(opts *rootOptions) *cobra.Command {
	var (
		from, to string
		filter   domain.SaleFilter
	)
	cmd := &cobra.Command{
		Use:   "sales",
		Short: "List sales, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if filter.From, err = parseDay("from", from, false); err != nil {
				return err
			}
			if filter.To, err = parseDay("to", to, true); err != nil {
				return err
			}
			return withDevice(opts, func(d *device) error {
				sales, err := d.ledger.ListSales(cmd.Context(), d.userID, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sales)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")
	return cmd
}

// parseDay reads a calendar day in UTC. endOfDay moves the bound to the
// last instant of that day.
func parseDay(flag, raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	day, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: want YYYY-MM-DD, got %q", flag, raw)
	}
	if endOfDay {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return &day, nil
}
