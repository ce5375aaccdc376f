package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dialdesk/dialdesk/internal/database"
	"github.com/dialdesk/dialdesk/internal/database/models"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage relay tenant accounts",
	}
	cmd.PersistentFlags().String("data-dir", "./data", "relay data directory")
	cmd.PersistentFlags().String("encryption-key", "", "hex-encoded 32-byte key protecting stored API keys")

	addCmd := &cobra.Command{
		Use:   "add <slug>",
		Short: "Create a tenant account",
		Args:  cobra.ExactArgs(1),
		RunE:  runTenantAdd,
	}
	addCmd.Flags().String("name", "", "display name (defaults to slug)")
	addCmd.Flags().String("pbx-id", "", "PBX account id (required)")
	addCmd.Flags().String("api-endpoint", "", "PBX API base URL (required)")
	addCmd.Flags().String("api-key", "", "PBX API key (required)")
	addCmd.Flags().String("secret", "", "relay secret clients exchange for tokens (required)")
	addCmd.Flags().Int("rate-limit", 60, "call commands per minute")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tenant accounts",
		RunE:  runTenantList,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <slug>",
		Short: "Delete a tenant account",
		Args:  cobra.ExactArgs(1),
		RunE:  runTenantDelete,
	}

	cmd.AddCommand(addCmd, listCmd, deleteCmd)
	return cmd
}

func openTenantStore(cmd *cobra.Command) (*database.DB, database.TenantRepository, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	db, err := database.Open(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening tenant store: %w", err)
	}
	return db, database.NewTenantRepository(db), nil
}

func loadEncryptor(cmd *cobra.Command) (*database.Encryptor, error) {
	keyHex, _ := cmd.Flags().GetString("encryption-key")
	if keyHex == "" {
		keyHex = os.Getenv("DIALDESK_ENCRYPTION_KEY")
	}
	if keyHex == "" {
		return nil, fmt.Errorf("an encryption key is required (--encryption-key or DIALDESK_ENCRYPTION_KEY)")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	return database.NewEncryptor(key)
}

func runTenantAdd(cmd *cobra.Command, args []string) error {
	slug := args[0]
	pbxID := flagString(cmd, "pbx-id")
	endpoint := flagString(cmd, "api-endpoint")
	apiKey := flagString(cmd, "api-key")
	secret := flagString(cmd, "secret")
	if pbxID == "" || endpoint == "" || apiKey == "" || secret == "" {
		return fmt.Errorf("--pbx-id, --api-endpoint, --api-key and --secret are required")
	}

	name := flagString(cmd, "name")
	if name == "" {
		name = slug
	}

	enc, err := loadEncryptor(cmd)
	if err != nil {
		return err
	}

	db, tenants, err := openTenantStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	sealed, err := enc.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("encrypting api key: %w", err)
	}

	secretHash, err := database.HashSecret(secret)
	if err != nil {
		return fmt.Errorf("hashing relay secret: %w", err)
	}

	tenant := &models.Tenant{
		Slug:               slug,
		Name:               name,
		PBXID:              pbxID,
		APIEndpoint:        endpoint,
		APIKeyEncrypted:    sealed,
		RelaySecretHash:    secretHash,
		RateLimitPerMinute: flagInt(cmd, "rate-limit"),
		Enabled:            true,
	}
	if err := tenants.Create(context.Background(), tenant); err != nil {
		return err
	}

	fmt.Printf("tenant %s created (id %d)\n", slug, tenant.ID)
	return nil
}

func runTenantList(cmd *cobra.Command, args []string) error {
	db, tenants, err := openTenantStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	all, err := tenants.List(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSLUG\tNAME\tPBX ID\tENDPOINT\tENABLED")
	for _, t := range all {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%v\n",
			t.ID, t.Slug, t.Name, t.PBXID, t.APIEndpoint, t.Enabled)
	}
	return w.Flush()
}

func runTenantDelete(cmd *cobra.Command, args []string) error {
	db, tenants, err := openTenantStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	tenant, err := tenants.GetBySlug(context.Background(), args[0])
	if err != nil {
		return err
	}
	if tenant == nil {
		return fmt.Errorf("tenant %q not found", args[0])
	}

	if err := tenants.Delete(context.Background(), tenant.ID); err != nil {
		return err
	}
	fmt.Printf("tenant %s deleted\n", args[0])
	return nil
}
