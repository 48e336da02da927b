package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/anchorid/constellation/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	daemonURL string
	secret    string
	token     string
	cfgFile   string
	asJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anchorctl",
	Short: "Trust constellation CLI",
	Long: `anchorctl is the command-line interface for a constellation daemon.

It creates root identities, enrolls and removes device anchors, runs
cross-witnessing rounds, and inspects trust scores and the audit chain.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.anchorctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if daemonURL == "" {
			daemonURL = viper.GetString("daemon_url")
		}
		if daemonURL == "" {
			daemonURL = "http://localhost:8080"
		}
		if secret == "" {
			secret = viper.GetString("operator_secret")
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.anchorctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&daemonURL, "daemon", "", "constellation daemon URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "operator secret for the token exchange")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "pre-obtained bearer token (overrides --secret)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON instead of formatted output")

	rootCmd.AddCommand(genesisCmd)
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(witnessCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	} else if secret != "" {
		opts = append(opts, client.WithOperatorSecret(secret))
	}
	return client.New(daemonURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── genesis ──────────────────────────────────────────────────────────────────

var (
	genKind     string
	genPlatform string
	genRootID   string
)

var genesisCmd = &cobra.Command{
	Use:   "genesis",
	Short: "Create a root identity bound to its first device anchor",
	Long: `Genesis creates a new root identity with a single device.

The identity starts in single_device state; its trust is capped until
further anchors are enrolled and cross-witnessed:

  anchorctl genesis --kind phone_secure_element --platform ios`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := newClient().CreateIdentity(context.Background(), &client.GenesisRequest{
			RootID:     genRootID,
			AnchorKind: genKind,
			Platform:   genPlatform,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(id)
		}
		printIdentity(id)
		return nil
	},
}

func init() {
	genesisCmd.Flags().StringVar(&genKind, "kind", "", "anchor kind (phone_secure_element, external_secure_element, platform_security_chip, software)")
	genesisCmd.Flags().StringVar(&genPlatform, "platform", "", "platform label (e.g. ios, yubikey, tpm2)")
	genesisCmd.Flags().StringVar(&genRootID, "root", "", "root identity id (minted when empty)")
	_ = genesisCmd.MarkFlagRequired("kind")
}

// ── enroll ───────────────────────────────────────────────────────────────────

var (
	enrollKind     string
	enrollPlatform string
	enrollWitness  string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <root-id>",
	Short: "Enroll a new device anchor into an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := newClient().EnrollDevice(context.Background(), args[0], &client.EnrollRequest{
			AnchorKind: enrollKind,
			Platform:   enrollPlatform,
			WitnessID:  enrollWitness,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(dev)
		}
		fmt.Printf("Enrolled:  %s\n", dev.ID)
		fmt.Printf("Kind:      %s\n", dev.AnchorKind)
		fmt.Printf("Status:    %s\n", dev.Status)
		return nil
	},
}

func init() {
	enrollCmd.Flags().StringVar(&enrollKind, "kind", "", "anchor kind of the new device")
	enrollCmd.Flags().StringVar(&enrollPlatform, "platform", "", "platform label")
	enrollCmd.Flags().StringVar(&enrollWitness, "witness", "", "witnessing device id (auto-selected when empty)")
	_ = enrollCmd.MarkFlagRequired("kind")
}

// ── witness ──────────────────────────────────────────────────────────────────

var witnessMesh bool

var witnessCmd = &cobra.Command{
	Use:   "witness <root-id> [device-a device-b]",
	Short: "Run cross-witnessing rounds between device anchors",
	Long: `Witness runs a bilateral attestation round between two devices.

With --mesh it witnesses every active pair in the constellation instead,
which maximizes the witness-density component of the trust score:

  anchorctl witness anchor:root:abc --mesh`,
	Args: cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		c := newClient()
		rootID := args[0]

		if witnessMesh {
			if len(args) != 1 {
				return fmt.Errorf("--mesh takes only the root id")
			}
			return witnessAllPairs(ctx, c, rootID)
		}

		if len(args) != 3 {
			return fmt.Errorf("expected <root-id> <device-a> <device-b> (or --mesh)")
		}
		res, err := c.CrossWitness(ctx, rootID, args[1], args[2])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(res)
		}
		fmt.Printf("Witnessed: %s <-> %s\n", res.DeviceA, res.DeviceB)
		fmt.Printf("Proofs:    %s / %s\n", res.FingerprintA, res.FingerprintB)
		return nil
	},
}

func init() {
	witnessCmd.Flags().BoolVar(&witnessMesh, "mesh", false, "witness every active device pair")
}

func witnessAllPairs(ctx context.Context, c *client.Client, rootID string) error {
	id, err := c.GetIdentity(ctx, rootID)
	if err != nil {
		return err
	}
	var active []string
	for _, d := range id.Devices {
		if d.Status == "active" {
			active = append(active, d.ID)
		}
	}
	if len(active) < 2 {
		return fmt.Errorf("need at least two active devices, have %d", len(active))
	}

	rounds := 0
	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			if _, err := c.CrossWitness(ctx, rootID, active[i], active[j]); err != nil {
				return fmt.Errorf("witness %s <-> %s: %w", active[i], active[j], err)
			}
			rounds++
		}
	}
	fmt.Printf("Completed %d witnessing rounds across %d devices\n", rounds, len(active))
	return nil
}

// ── remove ───────────────────────────────────────────────────────────────────

var (
	removeReason string
	removeAuth   []string
)

var removeCmd = &cobra.Command{
	Use:   "remove <root-id> <device-id>",
	Short: "Revoke a device anchor with quorum authorization",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := newClient().RemoveDevice(context.Background(), args[0], args[1], removeReason, removeAuth)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %s (%s)\n", args[1], removeReason)
		return nil
	},
}

func init() {
	removeCmd.Flags().StringVar(&removeReason, "reason", "", "revocation reason (e.g. lost, stolen, retired)")
	removeCmd.Flags().StringSliceVar(&removeAuth, "authorize", nil, "authorizing device ids (repeat or comma-separate; must meet the recovery quorum)")
	_ = removeCmd.MarkFlagRequired("reason")
	_ = removeCmd.MarkFlagRequired("authorize")
}

// ── recover ──────────────────────────────────────────────────────────────────

var (
	recoverKind     string
	recoverPlatform string
	recoverIDs      []string
)

var recoverCmd = &cobra.Command{
	Use:   "recover <root-id>",
	Short: "Enroll a replacement device vouched for by a recovery quorum",
	Long: `Recover enrolls a new device after one was lost, without any secret
being typed. A quorum of surviving hardware anchors vouches for the
replacement:

  anchorctl recover anchor:root:abc --kind phone_secure_element \
      --via anchor:device:external_secure_element:111 \
      --via anchor:device:platform_security_chip:222`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := newClient().RecoverIdentity(context.Background(), args[0], &client.RecoverRequest{
			RecoveryIDs: recoverIDs,
			AnchorKind:  recoverKind,
			Platform:    recoverPlatform,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(dev)
		}
		fmt.Printf("Recovered: %s\n", dev.ID)
		fmt.Printf("Kind:      %s\n", dev.AnchorKind)
		return nil
	},
}

func init() {
	recoverCmd.Flags().StringVar(&recoverKind, "kind", "", "anchor kind of the replacement device")
	recoverCmd.Flags().StringVar(&recoverPlatform, "platform", "", "platform label")
	recoverCmd.Flags().StringSliceVar(&recoverIDs, "via", nil, "recovery device ids (repeat or comma-separate)")
	_ = recoverCmd.MarkFlagRequired("kind")
	_ = recoverCmd.MarkFlagRequired("via")
}

// ── show / trust ─────────────────────────────────────────────────────────────

var showCmd = &cobra.Command{
	Use:   "show <root-id>",
	Short: "Show an identity's constellation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := newClient().GetIdentity(context.Background(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(id)
		}
		printIdentity(id)
		return nil
	},
}

var trustAt string

var trustCmd = &cobra.Command{
	Use:   "trust <root-id>",
	Short: "Evaluate an identity's trust score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var at time.Time
		if trustAt != "" {
			parsed, err := time.Parse(time.RFC3339, trustAt)
			if err != nil {
				return fmt.Errorf("--at must be RFC3339: %w", err)
			}
			at = parsed
		}
		rep, err := newClient().GetTrust(context.Background(), args[0], at)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(rep)
		}
		fmt.Printf("Root:  %s\n", rep.RootID)
		fmt.Printf("At:    %s\n", rep.At.Format(time.RFC3339))
		fmt.Printf("Trust: %.4f\n", rep.Trust)
		return nil
	},
}

func init() {
	trustCmd.Flags().StringVar(&trustAt, "at", "", "evaluation time, RFC3339 (default now)")
}

func printIdentity(id *client.Identity) {
	fmt.Printf("Root:      %s\n", id.RootID)
	fmt.Printf("State:     %s\n", id.State)
	fmt.Printf("Trust:     %.4f\n", id.Trust)
	fmt.Printf("Quorum:    %d\n", id.RecoveryQuorum)
	fmt.Printf("Coherence: %.4f\n", id.Coherence)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nDEVICE\tKIND\tSTATUS\tWITNESSES\tLAST WITNESSED")
	for _, d := range id.Devices {
		last := "-"
		if !d.LastWitnessed.IsZero() {
			last = d.LastWitnessed.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.AnchorKind, d.Status, len(d.Witnesses), last)
	}
	w.Flush() //nolint:errcheck
}

// ── audit ────────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit [entry-index]",
	Short: "Inspect the hash-chained audit log",
	Long: `Audit shows the chain overview, or one entry when an index is given.

  anchorctl audit            # length and root hash
  anchorctl audit --verify   # walk the chain and check integrity
  anchorctl audit 7          # one entry`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		c := newClient()

		if auditVerify {
			res, err := c.AuditVerify(ctx)
			if err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("audit chain INVALID: %s", res.Error)
			}
			fmt.Println("Audit chain valid")
			return nil
		}

		if len(args) == 1 {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("entry index must be an integer")
			}
			entry, err := c.AuditEntry(ctx, idx)
			if err != nil {
				return err
			}
			return printJSON(entry)
		}

		ov, err := c.AuditOverview(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(ov)
		}
		fmt.Printf("Entries: %d\n", ov.Entries)
		fmt.Printf("Root:    %s\n", ov.Root)
		return nil
	},
}

var auditVerify bool

func init() {
	auditCmd.Flags().BoolVar(&auditVerify, "verify", false, "walk the chain and verify every hash link")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the anchorctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("anchorctl", version)
	},
}
