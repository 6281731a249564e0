package main

import (
	"context"
	"ensock/commands"
	"ensock/config"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(configFile string) *config.Config {
	checkConfig(configFile)
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	hosts := initCmd.String("hosts", "localhost,127.0.0.1", "Comma separated host names and IPs for the development certificate")
	noCert := initCmd.Bool("nocert", false, "Do not generate a development certificate")
	registerGlobalFlags(initCmd)

	hubCmd := flag.NewFlagSet("hub", flag.ExitOnError)
	relay := hubCmd.Bool("relay", false, "Relay every inbound message to all other connections")
	probe := hubCmd.Duration("probe", 0, "Enable the liveness probe with this interval")
	list := hubCmd.Bool("list", false, "Log the peer table when it changes")
	registerGlobalFlags(hubCmd)

	peerCmd := flag.NewFlagSet("peer", flag.ExitOnError)
	registerGlobalFlags(peerCmd)

	sayCmd := flag.NewFlagSet("say", flag.ExitOnError)
	sayTimeout := sayCmd.Duration("timeout", 10*time.Second, "How long to wait for the hub")
	registerGlobalFlags(sayCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand: init, hub, peer, say or info")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg, strings.Split(*hosts, ","), !*noCert)
	case "hub":
		hubCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		if *relay {
			cfg.Hub.Relay = true
		}
		if *list {
			cfg.Hub.List = true
		}
		if *probe > 0 {
			cfg.Hub.Probe.Enabled = true
			cfg.Hub.Probe.Interval = config.Duration(*probe)
			if cfg.Hub.Probe.Jitter.Std() >= *probe {
				cfg.Hub.Probe.Jitter = 0
			}
		}
		commands.RunHub(ctx, cfg)
	case "peer":
		peerCmd.Parse(args)
		setLogLevel(*logLevel)
		commands.RunPeer(ctx, loadConfig(*configFile))
	case "say":
		sayCmd.Parse(args)
		setLogLevel(*logLevel)
		if sayCmd.NArg() == 0 {
			log.Fatal("Nothing to say")
		}
		commands.RunSay(ctx, loadConfig(*configFile), strings.Join(sayCmd.Args(), " "), *sayTimeout)
	case "info":
		infoCmd.Parse(args)
		setLogLevel(*logLevel)
		commands.RunInfo(ctx, loadConfig(*configFile))
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
