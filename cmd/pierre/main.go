package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pierre",
	Short: "Credential vault CLI",
	Long:  "A CLI for managing tenant OAuth credentials, key rotation, and the audit log.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(oauthCmd())
	rootCmd.AddCommand(rotationCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(loginCmd())
}

// --- oauth ---

func oauthCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "oauth", Short: "Manage tenant OAuth app credentials"}

	setCmd := &cobra.Command{
		Use:   "set <tenant> <provider>",
		Short: "Register or replace a tenant's provider credentials",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, _ := cmd.Flags().GetString("client-id")
			clientSecret, _ := cmd.Flags().GetString("client-secret")
			redirectURI, _ := cmd.Flags().GetString("redirect-uri")
			scopes, _ := cmd.Flags().GetStringSlice("scopes")
			rateLimit, _ := cmd.Flags().GetInt("rate-limit")

			client := newClient()
			result, err := client.post(
				fmt.Sprintf("/v1/tenants/%s/oauth/%s", args[0], args[1]),
				map[string]any{
					"client_id":          clientID,
					"client_secret":      clientSecret,
					"redirect_uri":       redirectURI,
					"scopes":             scopes,
					"rate_limit_per_day": rateLimit,
				})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	setCmd.Flags().String("client-id", "", "OAuth application client ID")
	setCmd.Flags().String("client-secret", "", "OAuth application client secret")
	setCmd.Flags().String("redirect-uri", "", "OAuth redirect URI")
	setCmd.Flags().StringSlice("scopes", nil, "OAuth scopes")
	setCmd.Flags().Int("rate-limit", 0, "Daily API rate limit")

	getCmd := &cobra.Command{
		Use:   "get <tenant> <provider>",
		Short: "Show a tenant's provider registration (secret redacted)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get(fmt.Sprintf("/v1/tenants/%s/oauth/%s", args[0], args[1]))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <tenant> <provider>",
		Short: "Delete a tenant's provider registration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if _, err := client.delete(fmt.Sprintf("/v1/tenants/%s/oauth/%s", args[0], args[1])); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Credentials deleted.")
			return nil
		},
	}

	cmd.AddCommand(setCmd, getCmd, deleteCmd)
	return cmd
}

// --- rotation ---

func rotationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rotation", Short: "Key rotation control"}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show rotation status per key scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/sys/rotation/status")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	nowCmd := &cobra.Command{
		Use:   "now",
		Short: "Rotate a scope immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			reason, _ := cmd.Flags().GetString("reason")
			if reason == "" {
				printError("--reason is required")
				return nil
			}
			client := newClient()
			result, err := client.post("/v1/sys/rotation/rotate", map[string]any{
				"tenant_id": tenant,
				"reason":    reason,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	nowCmd.Flags().String("tenant", "", "Tenant scope to rotate (empty = global)")
	nowCmd.Flags().String("reason", "", "Reason for the rotation")

	cmd.AddCommand(statusCmd, nowCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Audit log queries"}

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := []string{}
			for _, f := range []string{"tenant-id", "user-id", "event-type", "severity", "since"} {
				if v, _ := cmd.Flags().GetString(f); v != "" {
					params = append(params, strings.ReplaceAll(f, "-", "_")+"="+v)
				}
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				params = append(params, fmt.Sprintf("limit=%d", limit))
			}
			path := "/v1/sys/audit-log"
			if len(params) > 0 {
				path += "?" + strings.Join(params, "&")
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	queryCmd.Flags().String("tenant-id", "", "Filter by tenant")
	queryCmd.Flags().String("user-id", "", "Filter by user")
	queryCmd.Flags().String("event-type", "", "Filter by event type")
	queryCmd.Flags().String("severity", "", "Filter by severity")
	queryCmd.Flags().String("since", "", "Only events after this RFC3339 timestamp")
	queryCmd.Flags().Int("limit", 100, "Maximum events to return")

	cmd.AddCommand(queryCmd)
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "User token management"}

	deleteCmd := &cobra.Command{
		Use:   "delete <tenant> <user> [provider]",
		Short: "Delete a user's stored tokens",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/tenants/%s/users/%s/tokens", args[0], args[1])
			if len(args) == 3 {
				path += "/" + args[2]
			}
			client := newClient()
			result, err := client.delete(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(deleteCmd)
	return cmd
}

// --- login ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <admin-token>",
		Short: "Save the admin token to the CLI config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.AdminToken = args[0]
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Token saved to config.")
			return nil
		},
	}
	return cmd
}
