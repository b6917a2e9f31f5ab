package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cobra-ai/credits/internal/app"
	"github.com/cobra-ai/credits/internal/domain/user"
)

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersAddCmd, usersShowCmd)
	usersAddCmd.Flags().String("name", "", "Display name used in expiry notices")
	usersAddCmd.Flags().String("role", string(user.RoleUser), "Role: user or admin")
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage notice recipients",
}

var usersAddCmd = &cobra.Command{
	Use:   "add EMAIL",
	Short: "Register a user so expiry notices can reach them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			u := &user.User{Email: args[0], DisplayName: name, Role: user.Role(role)}
			if err := a.Users.Create(ctx, u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d created (%s)\n", u.ID, u.Email)
			return nil
		})
	},
}

var usersShowCmd = &cobra.Command{
	Use:   "show USER_ID",
	Short: "Show a user and their cached balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			u, err := a.Users.GetByID(ctx, userID)
			if err != nil {
				return err
			}
			balance, err := a.Credits.GetBalance(ctx, userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:      %d\n", u.ID)
			fmt.Fprintf(out, "email:   %s\n", u.Email)
			fmt.Fprintf(out, "name:    %s\n", u.Name())
			fmt.Fprintf(out, "role:    %s\n", u.Role)
			fmt.Fprintf(out, "balance: %s\n", balance.String())
			return nil
		})
	},
}
