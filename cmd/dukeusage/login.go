package main

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/pkg/browser"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/gridwatt/dukeusage/internal/capture"
	"github.com/gridwatt/dukeusage/internal/config"
)

var loginListen bool

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in via the browser and persist tokens",
	Long: `Login opens the provider's hosted login page in a browser. The login
redirect targets the mobile app's URI scheme, which browsers cannot hand
to a local program, so the resulting authorization code has to be captured
out-of-band: either paste the code (or the full redirect URL) captured by
a browser helper, or use --listen to wait on a loopback HTTPS-callback
listener for tenants configured with a localhost redirect.`,
	Run: runLogin,
}

func init() {
	loginCmd.Flags().BoolVar(&loginListen, "listen", false, "Wait for the redirect on a loopback callback listener instead of prompting")
}

func runLogin(cmd *cobra.Command, args []string) {
	app := mustApp()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	authReq, err := app.authorizer.BuildAuthorizationURL()
	if err != nil {
		pterm.Error.Printfln("Failed to build authorization URL: %v", err)
		os.Exit(1)
	}

	pterm.Info.Println("Opening browser for Duke Energy login...")
	pterm.Println()
	pterm.Println("If the browser doesn't open, visit this URL manually:")
	pterm.Println(authReq.URL)
	pterm.Println()
	_ = browser.OpenURL(authReq.URL)

	cb, err := captureCallback(ctx)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	if err := cb.Err(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}

	if cb.State != "" && cb.State != authReq.State {
		if flow, ok := capture.ParseDelegatedFlow(cb.State); ok {
			pterm.Warning.Printfln("Redirect belongs to delegated login flow %s", flow.FlowID)
		} else {
			pterm.Error.Println("State mismatch: the redirect does not belong to this login attempt")
			os.Exit(1)
		}
	}

	pterm.Info.Println("Exchanging authorization code for tokens...")
	if _, err := app.manager.AuthenticateWithCode(ctx, cb.Code, authReq.CodeVerifier); err != nil {
		pterm.Error.Printfln("Authentication failed: %v", err)
		os.Exit(1)
	}

	pterm.Success.Println("Logged in")
	if email := app.manager.Email(); email != "" {
		pterm.Printfln("Email:   %s", email)
	}
	if userID := app.manager.InternalUserID(); userID != "" {
		pterm.Printfln("User ID: %s", userID)
	}
	switch app.cfg.Storage.Backend {
	case config.StorageBackendFile:
		pterm.Printfln("Tokens saved to %s", app.cfg.Storage.Path)
	case config.StorageBackendKeyring:
		pterm.Printfln("Tokens saved to the OS keyring (%s)", app.cfg.Storage.Service)
	default:
		pterm.Println("Tokens kept in memory only; they will be gone when this process exits")
	}
}

func captureCallback(ctx context.Context) (*capture.Callback, error) {
	if loginListen {
		listener, err := capture.NewListener()
		if err != nil {
			return nil, err
		}
		pterm.Info.Printfln("Waiting for the redirect on %s ...", listener.URL())
		return listener.Wait(ctx)
	}

	pterm.Println("After logging in, paste the authorization code or the full redirect URL:")
	pterm.Print("> ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSpace(line)

	if strings.Contains(line, "://") || strings.ContainsAny(line, "?&") {
		return capture.ParseRedirect(line)
	}
	// a bare pasted code carries no state to double-check
	return &capture.Callback{Code: line}, nil
}
