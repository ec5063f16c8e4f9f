package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"opsledger/pkg/rbac"
	"opsledger/pkg/util"
)

type TokenOptions struct {
	*RootOptions
	Tenant    string
	Principal string
	Role      string
	TTL       time.Duration
}

// NewTokenCommand mints a bearer token signed with the configured jwt.secret.
// Intended for local development and smoke tests.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a tenant and role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !rbac.KnownRole(opts.Role) {
				return fmt.Errorf("unknown role %q", opts.Role)
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			tok, err := util.GenerateJWT(cfg.JWT.Secret, cfg.JWT.Issuer, opts.Tenant, opts.Principal, opts.Role, opts.TTL)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return opts.printJSON(cmd, map[string]string{"token": tok})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")
	cmd.Flags().StringVar(&opts.Principal, "principal", "ledgerctl", "token subject")
	cmd.Flags().StringVar(&opts.Role, "role", "member", "role: "+strings.Join([]string{rbac.RoleMember, rbac.RoleOperator, rbac.RoleAdmin}, ", "))
	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")
	return cmd
}
