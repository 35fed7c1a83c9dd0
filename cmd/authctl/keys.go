package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/paydash/authcore/internal/model"
	"github.com/paydash/authcore/internal/service"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage tenant API credentials",
	}

	var (
		tenantID  string
		actor     string
		name      string
		kind      string
		scope     []string
		allowlist []string
		expiresIn time.Duration
	)
	cmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	cmd.PersistentFlags().StringVar(&actor, "actor", "authctl", "actor recorded in the audit log")
	_ = cmd.MarkPersistentFlagRequired("tenant")

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a credential and print its token once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			req := service.IssueRequest{
				TenantID:    tenantID,
				Name:        name,
				Kind:        model.CredentialKind(kind),
				Scope:       scope,
				IPAllowlist: allowlist,
			}
			if expiresIn > 0 {
				t := time.Now().Add(expiresIn)
				req.ExpiresAt = &t
			}

			issued, err := a.keys.Issue(cmd.Context(), service.RequestMeta{Actor: actor, TenantID: tenantID}, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), issued)
		},
	}
	issueCmd.Flags().StringVar(&name, "name", "", "credential name (required)")
	issueCmd.Flags().StringVar(&kind, "kind", string(model.CredentialKindLive), "live or test")
	issueCmd.Flags().StringSliceVar(&scope, "scope", nil, "allowed endpoints, e.g. /payments/*")
	issueCmd.Flags().StringSliceVar(&allowlist, "allow-ip", nil, "allowed client IPs or CIDRs")
	issueCmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "lifetime of the credential, 0 for none")
	_ = issueCmd.MarkFlagRequired("name")
	_ = issueCmd.MarkFlagRequired("scope")

	revokeCmd := &cobra.Command{
		Use:   "revoke [credential-id]",
		Short: "Revoke a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			revoked, err := a.keys.Revoke(cmd.Context(), service.RequestMeta{Actor: actor, TenantID: tenantID}, tenantID, args[0])
			if errors.Is(err, service.ErrCredentialNotFound) {
				return fmt.Errorf("no active credential %s in tenant %s", args[0], tenantID)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), revoked)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the credentials of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			creds, err := a.keys.List(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), creds)
		},
	}

	cmd.AddCommand(issueCmd, revokeCmd, listCmd)
	return cmd
}
