package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Acacia-Ma/Rule-Bot/internal/bot"
	"github.com/Acacia-Ma/Rule-Bot/internal/catalog"
	"github.com/Acacia-Ma/Rule-Bot/internal/classifier"
	"github.com/Acacia-Ma/Rule-Bot/internal/config"
	"github.com/Acacia-Ma/Rule-Bot/internal/db"
	"github.com/Acacia-Ma/Rule-Bot/internal/doh"
	"github.com/Acacia-Ma/Rule-Bot/internal/rulestore"
	"github.com/Acacia-Ma/Rule-Bot/internal/status"
)

// Build information set via -ldflags during build.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		cfgPath  string
		testOnly bool
		genToken string
		showVer  bool
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "rulebot - Telegram domain-classification bot\n\n")
		fmt.Fprintf(os.Stderr, "Usage: rulebot [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fmt.Fprintf(os.Stderr, "  -c, -config <file>     Path to config file (default: config.yaml)\n")
		fmt.Fprintf(os.Stderr, "  -t, -test              Validate config and exit\n")
		fmt.Fprintf(os.Stderr, "  -g, -gen-token <token> Generate bcrypt hash for the control API token and exit\n")
		fmt.Fprintf(os.Stderr, "  -v, -version           Print version and exit\n")
		fmt.Fprintf(os.Stderr, "  -h, -help              Show this help message\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  RULEBOT_CONFIG         Config file path (overridden by -c flag)\n")
		fmt.Fprintf(os.Stderr, "  RULEBOT_BOT_TOKEN, RULEBOT_GITHUB_TOKEN, RULEBOT_RULE_REPO,\n")
		fmt.Fprintf(os.Stderr, "  RULEBOT_DIRECT_RULE_FILE, RULEBOT_DATA_DIR, RULEBOT_UPDATE_INTERVAL_SEC\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  rulebot                        Start with config.yaml\n")
		fmt.Fprintf(os.Stderr, "  rulebot -c prod.yaml           Start with a custom config\n")
		fmt.Fprintf(os.Stderr, "  rulebot -t                     Validate config\n")
		fmt.Fprintf(os.Stderr, "  rulebot -g mytoken             Generate a control API token hash\n")
	}

	flag.StringVar(&cfgPath, "c", "", "")
	flag.StringVar(&cfgPath, "config", "", "")
	flag.BoolVar(&testOnly, "t", false, "")
	flag.BoolVar(&testOnly, "test", false, "")
	flag.StringVar(&genToken, "g", "", "")
	flag.StringVar(&genToken, "gen-token", "", "")
	flag.BoolVar(&showVer, "v", false, "")
	flag.BoolVar(&showVer, "version", false, "")
	flag.Parse()

	if showVer {
		fmt.Printf("rulebot %s\n", Version)
		fmt.Printf("  Commit:    %s\n", GitCommit)
		fmt.Printf("  Built:     %s\n", BuildDate)
		fmt.Printf("  Go:        %s\n", runtime.Version())
		fmt.Printf("  Platform:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return
	}

	if genToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(genToken), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("error generating bcrypt: %v", err)
		}
		fmt.Printf("Bcrypt hash for control token %q:\n%s\n", genToken, string(hash))
		fmt.Println("\nAdd this to your config.yaml:")
		fmt.Println("control:")
		fmt.Printf("  api_token_hash: %q\n", string(hash))
		return
	}

	if cfgPath == "" {
		cfgPath = os.Getenv("RULEBOT_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if testOnly {
		fmt.Printf("Config OK: %s\n", cfgPath)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalogMgr, err := catalog.NewManager(cfg.DataDir, cfg.UpdateInterval,
		cfg.GeoIP.URLs, cfg.CNIPv4.URLs, cfg.GeoSite.URLs)
	if err != nil {
		log.Fatalf("catalog manager: %v", err)
	}
	catalogStop := make(chan struct{})
	go catalogMgr.Run(catalogStop)

	gitStore, err := rulestore.NewGitStore(ctx,
		cfg.RuleRepo, filepath.Join(cfg.DataDir, "rule-repo"), cfg.DirectRuleFile,
		cfg.CommitEmail, cfg.GitHubToken)
	if err != nil {
		log.Fatalf("rule store: %v", err)
	}

	gormDB, err := db.Open(filepath.Join(cfg.DataDir, "rulemirror.db"), false)
	if err != nil {
		log.Fatalf("open rule mirror db: %v", err)
	}
	ruleStore, err := rulestore.NewIndexedStore(gitStore, gormDB)
	if err != nil {
		log.Fatalf("rule mirror: %v", err)
	}

	dohClient := doh.NewClient(cfg.DoHA, cfg.DoHNS)
	cls := classifier.New(dohClient, catalogMgr, ruleStore)

	tg := bot.NewClient(cfg.BotToken)
	chatBot := bot.New(tg, cls, ruleStore, cfg)

	var controlServer *status.Server
	if cfg.Control.Listen != "" {
		controlServer = status.NewServer(cfg, cls, catalogMgr)
		go func() {
			if err := controlServer.Start(); err != nil {
				log.Printf("control server stopped: %v", err)
			}
		}()
	}

	go func() {
		if err := chatBot.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("bot stopped: %v", err)
		}
	}()

	log.Println("rulebot started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down...")

	cancel()
	close(catalogStop)

	if controlServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = controlServer.Shutdown(shutdownCtx)
	}
}
