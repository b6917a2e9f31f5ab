package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/cobra-ai/credits/internal/app"
	"github.com/cobra-ai/credits/internal/domain/credit"
)

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(exportCmd)

	balanceCmd.Flags().Bool("recalculate", false, "Recompute the cached balance from the user's grants")

	grantCmd.Flags().StringP("type", "t", string(credit.TypePaid), "Credit type")
	grantCmd.Flags().StringP("comment", "c", "", "Comment stored on the grant")

	exportCmd.Flags().Int64("user", 0, "Only export grants of this user")
	exportCmd.Flags().StringP("output", "o", "credits.xlsx", "Output file")
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show a user's balance and active grants",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	userID, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	recalculate, _ := cmd.Flags().GetBool("recalculate")

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		var balance decimal.Decimal
		if recalculate {
			balance, err = a.Credits.RecalculateBalance(ctx, userID)
		} else {
			balance, err = a.Credits.GetBalance(ctx, userID)
		}
		if err != nil {
			return err
		}

		status := credit.StatusActive
		grants, err := a.Credits.ListCredits(ctx, userID, credit.ListFilter{Status: &status, Pagination: credit.Pagination{Limit: 100}})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "user %d balance: %s\n\n", userID, balance.StringFixed(2))

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tREMAINING\tEXPIRES")
		for _, g := range grants {
			expires := "never"
			if g.ExpirationDate != nil {
				expires = g.ExpirationDate.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", g.ID, a.Registry.DisplayName(g.CreditType), g.Remaining().StringFixed(2), expires)
		}
		return tw.Flush()
	})
}

var grantCmd = &cobra.Command{
	Use:   "grant USER_ID AMOUNT",
	Short: "Add credit to a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runGrant,
}

func runGrant(cmd *cobra.Command, args []string) error {
	userID, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	amount, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}
	typeID, _ := cmd.Flags().GetString("type")
	comment, _ := cmd.Flags().GetString("comment")

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		id, err := a.Credits.AddCredit(ctx, userID, amount, credit.TypeID(typeID), credit.AddOptions{Comment: comment})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "grant %d: %s %s to user %d\n", id, amount.StringFixed(2), typeID, userID)
		return nil
	})
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export grants to an Excel workbook",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	userID, _ := cmd.Flags().GetInt64("user")
	output, _ := cmd.Flags().GetString("output")

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		filters := credit.SearchFilters{Limit: 10000}
		if userID > 0 {
			filters.UserID = &userID
		}
		grants, err := a.Credits.SearchCredits(ctx, filters)
		if err != nil {
			return err
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}
		defer f.Close()

		if err := credit.WriteXLSX(f, a.Registry, grants); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d grants to %s\n", len(grants), output)
		return nil
	})
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return id, nil
}
