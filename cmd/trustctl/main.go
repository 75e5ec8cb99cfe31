package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/trustchain/internal/policy"
	"github.com/jmerrifield20/trustchain/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	nodeURL     string
	cfgFile     string
	token       string
	adminSecret string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trustctl",
	Short: "trustchain CLI",
	Long: `trustctl talks to a trustchain node: it inspects and verifies the audit
chain, mines pending events, manages policies and asks for access verdicts.

Exported chain files can be checked offline with "trustctl inspect".`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.trustchain")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("trustctl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if nodeURL == "" {
			nodeURL = viper.GetString("node_url")
		}
		if nodeURL == "" {
			nodeURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
		if adminSecret == "" {
			adminSecret = viper.GetString("admin_secret")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.trustchain/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", "", "trustchain node URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token for mutating routes")
	rootCmd.PersistentFlags().StringVar(&adminSecret, "admin-secret", "", "node admin secret (token issuance only)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(mineCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	if adminSecret != "" {
		opts = append(opts, client.WithAdminSecret(adminSecret))
	}
	return client.New(nodeURL, opts...)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the node's chain summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		st, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Node:\t%s\n", st.Node)
		fmt.Fprintf(w, "Length:\t%d\n", st.Length)
		fmt.Fprintf(w, "Tip:\t%s\n", st.Tip)
		fmt.Fprintf(w, "Difficulty:\t%d\n", st.Difficulty)
		fmt.Fprintf(w, "Pending:\t%d\n", st.Pending)
		fmt.Fprintf(w, "State:\t%s\n", st.State)
		return w.Flush()
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Ask the node to validate its whole chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		res, err := c.Verify(ctx)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if !res.Valid {
			if res.Index != nil {
				return fmt.Errorf("chain INVALID at block %d: %s", *res.Index, res.Error)
			}
			return fmt.Errorf("chain INVALID: %s", res.Error)
		}
		fmt.Println("✓ chain valid")
		return nil
	},
}

// ── export ───────────────────────────────────────────────────────────────────

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download the node's chain as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		data, err := c.Export(ctx)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		if exportOut == "" || exportOut == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(exportOut, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", exportOut, err)
		}
		fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", len(data), exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "output file (default stdout)")
}

// ── inspect ──────────────────────────────────────────────────────────────────

var (
	inspectHash        string
	inspectSignature   string
	inspectTrustedKeys []string
	inspectFormat      string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <chain.json>",
	Short: "Validate an exported chain file offline",
	Long: `inspect re-checks every block of an exported chain without contacting a
node: genesis, hash links, proof of work, Merkle roots and event schemas.

Block signatures are checked when --trusted-key is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		rep, err := inspectChain(data, inspectOptions{
			Hash:        inspectHash,
			Signature:   inspectSignature,
			TrustedKeys: inspectTrustedKeys,
		})
		if err != nil {
			return err
		}

		if inspectFormat == "json" {
			if err := printJSON(rep); err != nil {
				return err
			}
		} else {
			printInspectText(rep)
		}
		if !rep.Valid {
			return errors.New("chain failed validation")
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectHash, "hash", "sha256", "hash algorithm the chain was built with")
	inspectCmd.Flags().StringVar(&inspectSignature, "signature", "ed25519", "block signature algorithm")
	inspectCmd.Flags().StringSliceVar(&inspectTrustedKeys, "trusted-key", nil, "hex-encoded signer public key (repeatable)")
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "text", "Output format: text or json")
}

func printInspectText(rep *inspectReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tEVENTS\tDIFFICULTY\tSIGNER\tHASH")
	for _, b := range rep.Blocks {
		signer := b.SignerKeyID
		if signer == "" {
			signer = "-"
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n", b.Index, b.Events, b.Difficulty, signer, b.Hash)
	}
	_ = w.Flush()

	fmt.Println()
	if rep.Valid {
		fmt.Printf("✓ %d blocks valid, cumulative work %s\n", len(rep.Blocks), rep.Work)
		return
	}
	fmt.Printf("✗ invalid at block %d: %s\n", *rep.FailedAt, rep.Reason)
}

// ── mine ─────────────────────────────────────────────────────────────────────

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Mine the node's pending events into a block",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		b, err := c.Mine(ctx)
		if err != nil {
			return fmt.Errorf("mine: %w", err)
		}
		fmt.Printf("✓ Block %d mined\n\n", b.Index)
		fmt.Printf("  Hash:   %s\n", b.Hash)
		fmt.Printf("  Nonce:  %d\n", b.Nonce)
		fmt.Printf("  Events: %d\n", len(b.Events))
		return nil
	},
}

// ── audit ────────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit <resource>",
	Short: "List every mined event touching a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		events, err := c.Audit(ctx, args[0])
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tACTOR")
		for _, e := range events {
			actor := e.ActorID
			if actor == "" {
				actor = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", time.UnixMilli(e.OccurredAt).UTC().Format(time.RFC3339), e.Type, actor)
		}
		return w.Flush()
	},
}

// ── policy ───────────────────────────────────────────────────────────────────

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage access policies",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the node's policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		policies, err := c.ListPolicies(ctx)
		if err != nil {
			return fmt.Errorf("list policies: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tRESOURCE\tVERSION\tACTIVE\tROLES")
		for _, p := range policies {
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", p.ID, p.Resource, p.Version, p.IsActive, strings.Join(p.AllowedRoles, ","))
		}
		return w.Flush()
	},
}

var policyDeployCmd = &cobra.Command{
	Use:   "deploy <bundle.yaml>",
	Short: "Deploy every policy in a YAML or JSON bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policies, err := policy.LoadBundle(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		for _, p := range policies {
			out, err := c.DeployPolicy(ctx, p)
			if err != nil {
				return fmt.Errorf("deploy %s: %w", p.ID, err)
			}
			fmt.Printf("✓ %s deployed (version %d)\n", out.ID, out.Version)
		}
		return nil
	},
}

var policyRevokeCmd = &cobra.Command{
	Use:   "revoke <policy-id>",
	Short: "Deactivate a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		if _, err := c.RevokePolicy(ctx, args[0]); err != nil {
			return fmt.Errorf("revoke: %w", err)
		}
		fmt.Printf("✓ %s revoked\n", args[0])
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyDeployCmd)
	policyCmd.AddCommand(policyRevokeCmd)
}

// ── evaluate ─────────────────────────────────────────────────────────────────

var (
	evalPolicyID string
	evalAction   string
	evalDevice   string
	evalAttrs    map[string]string
	evalFormat   string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <resource>",
	Short: "Ask the node for an access verdict",
	Long: `evaluate asks the node whether the token's actor may perform --action on
the resource. Every verdict, allow or deny, is recorded on the chain.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		v, err := c.Evaluate(ctx, client.EvaluateRequest{
			PolicyID:          evalPolicyID,
			Resource:          args[0],
			Action:            evalAction,
			DeviceFingerprint: evalDevice,
			Attributes:        evalAttrs,
		})
		if err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
		if evalFormat == "json" {
			return printJSON(v)
		}
		if v.Allowed {
			fmt.Printf("ALLOW  %s %s (%s)\n", evalAction, args[0], v.PolicyID)
			return nil
		}
		fmt.Printf("DENY   %s %s: %s\n", evalAction, args[0], strings.Join(v.FailedConditions, ", "))
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalPolicyID, "policy", "", "evaluate one policy instead of every policy for the resource")
	evaluateCmd.Flags().StringVar(&evalAction, "action", "", "requested action (e.g. read)")
	evaluateCmd.Flags().StringVar(&evalDevice, "device", "", "device fingerprint")
	evaluateCmd.Flags().StringToStringVar(&evalAttrs, "attr", nil, "extra attributes as key=value")
	evaluateCmd.Flags().StringVar(&evalFormat, "format", "text", "Output format: text or json")
	_ = evaluateCmd.MarkFlagRequired("action")
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenRoles []string
	tokenTrust int
	tokenMFA   bool
)

var tokenCmd = &cobra.Command{
	Use:   "token <actor-id>",
	Short: "Issue an actor token (requires --admin-secret)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		req := client.TokenRequest{ActorID: args[0], Roles: tokenRoles, MFA: tokenMFA}
		if cmd.Flags().Changed("trust-score") {
			req.TrustScore = &tokenTrust
		}
		res, err := c.IssueToken(ctx, req)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintf(os.Stderr, "token for %s expires %s\n", res.ActorID, res.ExpiresAt.Format(time.RFC3339))
		fmt.Println(res.Token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role to grant (repeatable)")
	tokenCmd.Flags().IntVar(&tokenTrust, "trust-score", 0, "trust score 0..100")
	tokenCmd.Flags().BoolVar(&tokenMFA, "mfa", false, "mark the actor as MFA-verified")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the trustctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trustctl %s\n", version)
	},
}
