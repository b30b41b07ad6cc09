package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/agent"
	"github.com/stagewire/stagewire/internal/agent/agentconfig"
)

var version = "dev"

// cliOpts are the flag values; only flags the operator actually passed
// override the config file.
type cliOpts struct {
	token            string
	relay            string
	name             string
	switcherIP       string
	streamerURL      string
	streamerPassword string
	macrohostURL     string
	previewSource    string
	configPath       string
	watchdog         bool
	noWatchdog       bool
	debugAddr        string
}

func newFlagSet(name string, o *cliOpts) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&o.token, "token", "", "venue bearer token issued by the relay")
	fs.StringVar(&o.relay, "relay", "", "relay base URL (http(s):// or ws(s)://)")
	fs.StringVar(&o.name, "name", "", "venue display name")
	fs.StringVar(&o.switcherIP, "switcher-ip", "", "video switcher address")
	fs.StringVar(&o.streamerURL, "streamer-url", "", "streaming encoder websocket URL")
	fs.StringVar(&o.streamerPassword, "streamer-password", "", "streaming encoder websocket password")
	fs.StringVar(&o.macrohostURL, "macrohost-url", "", "macro button host base URL")
	fs.StringVar(&o.previewSource, "preview-source", "", "preview frame source name")
	fs.StringVar(&o.configPath, "config", "", "config file path (default ~/.church-av/config.json)")
	fs.BoolVar(&o.watchdog, "watchdog", false, "enable the production watchdog")
	fs.BoolVar(&o.noWatchdog, "no-watchdog", false, "disable the production watchdog")
	fs.StringVar(&o.debugAddr, "debug-addr", "", "local diagnostics listen address (empty disables)")
	return fs
}

// apply copies passed flags over the loaded config. set holds the flag
// names the operator supplied.
func (o *cliOpts) apply(cfg *agentconfig.Config, set map[string]bool) {
	if set["token"] {
		cfg.Token = o.token
	}
	if set["relay"] {
		cfg.Relay = o.relay
	}
	if set["name"] {
		cfg.Name = o.name
	}
	if set["switcher-ip"] {
		cfg.SwitcherIP = o.switcherIP
	}
	if set["streamer-url"] {
		cfg.StreamerURL = o.streamerURL
	}
	if set["streamer-password"] {
		cfg.StreamerPassword = o.streamerPassword
	}
	if set["macrohost-url"] {
		cfg.MacroHostURL = o.macrohostURL
	}
	if set["preview-source"] {
		cfg.PreviewSource = o.previewSource
	}
	if set["watchdog"] {
		on := true
		cfg.Watchdog = &on
	}
	if set["no-watchdog"] {
		off := false
		cfg.Watchdog = &off
	}
	if set["debug-addr"] {
		cfg.DebugAddr = o.debugAddr
	}
}

func main() {
	args := os.Args[1:]
	setup := len(args) > 0 && args[0] == "setup"
	if setup {
		args = args[1:]
	}

	var opts cliOpts
	fs := newFlagSet("stagewire-agent", &opts)
	_ = fs.Parse(args)
	passed := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { passed[f.Name] = true })

	log := newLogger()

	path := opts.configPath
	if path == "" {
		p, err := agentconfig.DefaultPath()
		if err != nil {
			log.Fatal().Err(err).Msg("cannot resolve config path")
		}
		path = p
	}

	cfg, err := agentconfig.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to load config")
	}
	opts.apply(cfg, passed)

	if setup {
		runSetup(log, path, cfg)
		return
	}

	log.Info().Str("version", version).Str("config", path).Msg("stagewire-agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(log, cfg, version)
	if err != nil {
		log.Fatal().Err(err).Msg("agent startup failed")
	}

	// Hot reload for the runtime-safe settings. A missing config file is
	// fine when everything came from flags.
	go func() {
		if err := agentconfig.Watch(ctx, log, path, a.ApplyConfig); err != nil {
			log.Warn().Err(err).Msg("config watch unavailable")
		}
	}()

	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent stopped with error")
	}
	log.Info().Msg("stagewire-agent stopped")
}

// runSetup writes the flag-supplied values into the config file and exits.
// The file is created sealed; rerunning with more flags fills in the rest.
func runSetup(log zerolog.Logger, path string, cfg *agentconfig.Config) {
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("setup needs at least --token and --relay")
	}
	if err := agentconfig.Save(path, cfg); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to write config")
	}

	devices := 0
	for _, configured := range []bool{
		cfg.SwitcherIP != "",
		cfg.StreamerURL != "",
		cfg.MacroHostURL != "",
		cfg.SlidesHost != "",
		cfg.VisualServerHost != "",
		cfg.Mixer != nil,
	} {
		if configured {
			devices++
		}
	}
	devices += len(cfg.VideoRouters)

	fmt.Printf("config written to %s\n", path)
	fmt.Printf("  venue:   %s\n", orUnset(cfg.Name))
	fmt.Printf("  relay:   %s\n", cfg.Relay)
	fmt.Printf("  devices: %d configured\n", devices)
	fmt.Println("run stagewire-agent to connect")
}

func orUnset(s string) string {
	if s == "" {
		return "(unnamed)"
	}
	return s
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
}
