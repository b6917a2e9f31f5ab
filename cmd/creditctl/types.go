package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobra-ai/credits/internal/app"
	"github.com/cobra-ai/credits/internal/config"
	"github.com/cobra-ai/credits/internal/domain/user"
	"github.com/cobra-ai/credits/internal/pkg/jwt"
)

func init() {
	rootCmd.AddCommand(typesCmd)
	typesCmd.AddCommand(typesListCmd)

	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("role", "user", "Role claim: user or admin")
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to JWT_ACCESS_TTL)")
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "Inspect registered credit types",
}

var typesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credit types in consumption priority order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPRIORITY\tEXPIRES\tTRANSFERABLE\tCORE")
			for _, def := range a.Registry.Ordered() {
				expires := "never"
				if def.Expirable {
					expires = fmt.Sprintf("%d %s", def.Expiration.Duration, def.Expiration.Unit)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\t%t\n",
					def.ID, def.Name, def.Priority, expires, def.Transferable, def.Core)
			}
			return tw.Flush()
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Mint an access token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		role, _ := cmd.Flags().GetString("role")
		if !user.IsValidRole(role) {
			return fmt.Errorf("unknown role %q", role)
		}

		cfg := config.Load()
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.JWTAccessTTL
		}

		token, err := jwt.NewService(cfg.JWTSecret, ttl).GenerateAccessToken(userID, role)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", time.Now().Add(ttl).Format(time.RFC3339))
		return nil
	},
}
