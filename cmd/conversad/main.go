package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/matheus3301/conversa/internal/config"
	"github.com/matheus3301/conversa/internal/daemon"
	"github.com/matheus3301/conversa/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	debugFlag := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	// .env in the working directory, then in the base dir; real env wins.
	if err := config.LoadDotenv(".env", filepath.Join(profile.BaseDir(), ".env")); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, Debug: *debugFlag}),
	)

	app.Run()
}
