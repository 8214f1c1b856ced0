package main

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gridwatt/dukeusage/internal/auth"
	"github.com/gridwatt/dukeusage/internal/config"
	"github.com/gridwatt/dukeusage/internal/duke"
	"github.com/gridwatt/dukeusage/internal/logger"
	"github.com/gridwatt/dukeusage/internal/store"
	"go.uber.org/fx"
)

func main() {
	Execute()
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dukeusage",
	Short: "Duke Energy usage client",
	Long: `dukeusage is a CLI for the Duke Energy consumer usage portal.
It drives the browser-based OAuth login, keeps tokens refreshed between
runs, and queries accounts, meters and energy usage.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	// Place version check in PreRun to ensure flags are parsed first
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			pterm.Info.Println(config.GetVersionInfo())
			os.Exit(0)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func init() {
	config.InitFlags()
	rootCmd.PersistentFlags().AddFlagSet(pflag.CommandLine)
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(metersCmd)
	rootCmd.AddCommand(usageCmd)
}

// app holds the wired components one command invocation works with.
type app struct {
	cfg        *config.Config
	authorizer *auth.Authorizer
	manager    *auth.Manager
	client     *duke.Client
}

func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.InitLogger(&cfg.Logging); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	fxApp := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		config.Module,
		store.Module,
		auth.Module,
		duke.Module,
		fx.Populate(&a.authorizer, &a.manager, &a.client),
	)
	if err := fxApp.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

// mustApp builds the app or exits with the error.
func mustApp() *app {
	a, err := buildApp()
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	return a
}
