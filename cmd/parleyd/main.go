package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/gfranco93/parley/internal/chat"
	"github.com/gfranco93/parley/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "default", "session name")
	configFlag := flag.String("config", "", "config file path (default ~/.parley/config.toml)")
	flag.Parse()

	if err := session.ValidateName(*sessionFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		chat.Module(chat.Params{SessionName: *sessionFlag, ConfigPath: *configFlag}),
	)

	app.Run()
}
