// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/skillmesh/skillmesh/internal/app"
	"github.com/skillmesh/skillmesh/internal/config"
)

var (
	cfgPath  = flag.String("config", "skillmesh.json", "Path to config file (created with defaults if missing)")
	token    = flag.String("token", "", "Bearer token for the relay and REST API (or SKILLMESH_TOKEN)")
	selfID   = flag.String("user", "", "Authenticated user ID (or SKILLMESH_USER)")
	version  = flag.Bool("version", false, "Show version")
	showHelp = flag.Bool("h", false, "Show help")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("skillmesh v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	tok := *token
	if tok == "" {
		tok = os.Getenv("SKILLMESH_TOKEN")
	}
	user := *selfID
	if user == "" {
		user = os.Getenv("SKILLMESH_USER")
	}
	if tok == "" || user == "" {
		fmt.Fprintln(os.Stderr, "Error: -token and -user are required (or SKILLMESH_TOKEN / SKILLMESH_USER)")
		showUsage()
		os.Exit(1)
	}

	path, err := filepath.Abs(*cfgPath)
	if err != nil {
		log.Fatalf("config path: %v", err)
	}
	cfg, created, err := config.Ensure(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		log.Printf("APP: wrote default config to %s", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		Cfg:     cfg,
		CfgPath: path,
		SelfID:  user,
		Token:   tok,
	}); err != nil {
		log.Fatalf("run: %v", err)
	}
}

func showUsage() {
	fmt.Println(`skillmesh - real-time core for the skill-exchange platform

Usage:
  skillmesh -user <id> -token <bearer> [-config <path>]

Flags:
  -config path   Config file (default "skillmesh.json", created if missing)
  -user id       Authenticated user ID (env SKILLMESH_USER)
  -token t       Bearer token (env SKILLMESH_TOKEN)
  -version       Print version and exit
  -h             This help

The process connects to the relay, keeps the conversation/notification views
reconciled, and answers or places calls on behalf of the presentation layer.
Stop with Ctrl-C.`)
}
