// Command dialctl is the operator CLI: it places calls through either
// calling strategy and manages relay tenant accounts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dialdesk/dialdesk/internal/call"
	"github.com/dialdesk/dialdesk/internal/media"
	"github.com/dialdesk/dialdesk/internal/pbx"
	"github.com/dialdesk/dialdesk/internal/signaling"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "dialctl",
		Short: "Place calls and manage the DialDesk relay",
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newCallCmd(), newTenantCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <number>",
		Short: "Place a call and follow its state until hangup",
		Args:  cobra.ExactArgs(1),
		RunE:  runCall,
	}

	// Relay strategy settings; a complete relay config wins. Either carry
	// the PBX credentials directly (--pbx-id and --api-key) or authenticate
	// with --relay-tenant and --relay-secret and let the relay inject them.
	cmd.Flags().String("relay-url", "", "relay endpoint URL")
	cmd.Flags().String("pbx-id", "", "tenant PBX account id")
	cmd.Flags().String("api-key", "", "PBX API key")
	cmd.Flags().String("relay-tenant", "", "relay tenant slug for token authentication")
	cmd.Flags().String("relay-secret", "", "relay secret for token authentication")

	// Direct strategy settings.
	cmd.Flags().String("sip-host", "", "telephony server host")
	cmd.Flags().Int("sip-port", 5060, "telephony server port")
	cmd.Flags().String("sip-user", "", "signaling username")
	cmd.Flags().String("sip-pass", "", "signaling password")
	cmd.Flags().Bool("secure", false, "use secure signaling transport")

	cmd.Flags().String("extension", "", "originating extension")
	cmd.Flags().String("media-ip", "127.0.0.1", "local address for media capture")
	cmd.Flags().Int("rtp-min", 40000, "lowest RTP port")
	cmd.Flags().Int("rtp-max", 40100, "highest RTP port")
	cmd.Flags().Duration("max-duration", 0, "hang up automatically after this duration (0 = until interrupted)")

	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	number := args[0]
	logger := newLogger()

	mediaIP, _ := cmd.Flags().GetString("media-ip")
	rtpMin, _ := cmd.Flags().GetInt("rtp-min")
	rtpMax, _ := cmd.Flags().GetInt("rtp-max")

	alloc, err := media.NewPortAllocator(mediaIP, rtpMin, rtpMax, logger)
	if err != nil {
		return fmt.Errorf("creating media allocator: %w", err)
	}

	employee := call.EmployeeSettings{
		Username:           flagString(cmd, "sip-user"),
		Password:           flagString(cmd, "sip-pass"),
		Extension:          flagString(cmd, "extension"),
		ServerHost:         flagString(cmd, "sip-host"),
		ServerPort:         flagInt(cmd, "sip-port"),
		UseSecureTransport: flagBool(cmd, "secure"),
	}

	var tenant *call.TenantSettings
	if relayURL := flagString(cmd, "relay-url"); relayURL != "" {
		tenant = &call.TenantSettings{
			EndpointURL: relayURL,
			TenantPBXID: flagString(cmd, "pbx-id"),
			APIKey:      flagString(cmd, "api-key"),
			TenantSlug:  flagString(cmd, "relay-tenant"),
			RelaySecret: flagString(cmd, "relay-secret"),
		}
	}

	mgr := call.NewManager(call.Options{
		Logger:       logger,
		Allocator:    alloc,
		ControlPlane: pbx.NewClient(nil, logger),
		Dialer:       signaling.NewClient("", logger),
	})

	ctx := context.Background()

	unsubscribe := mgr.Subscribe(func(st call.CallState) {
		switch {
		case st.Connected:
			fmt.Printf("connected to %s\n", number)
		case st.Ringing:
			fmt.Printf("ringing %s\n", number)
		default:
			fmt.Println("idle")
		}
	})
	defer unsubscribe()

	if !mgr.Initialize(ctx, employee, tenant) {
		return fmt.Errorf("no usable calling configuration; pass --relay-url or --sip-host settings")
	}
	defer mgr.TeardownTransport(ctx)

	started := time.Now()
	if !mgr.PlaceCall(ctx, number) {
		return fmt.Errorf("placing call failed; run with -v for details")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	maxDuration, _ := cmd.Flags().GetDuration("max-duration")
	var timeout <-chan time.Time
	if maxDuration > 0 {
		timeout = time.After(maxDuration)
	}

	select {
	case <-quit:
	case <-timeout:
	}

	mgr.EndCurrentCall(ctx)
	fmt.Printf("call finished after %s\n", time.Since(started).Round(time.Second))
	return nil
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func flagInt(cmd *cobra.Command, name string) int {
	v, _ := cmd.Flags().GetInt(name)
	return v
}

func flagBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}
