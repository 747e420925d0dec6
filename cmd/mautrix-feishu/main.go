// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-feishu is a Matrix-Feishu puppeting bridge. It runs as a
// Matrix application service on one side and a Feishu event subscriber on
// the other, relaying messages in both directions while keeping a durable
// mapping between the two ID spaces.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/bridge"
	"github.com/aiku/mautrix-feishu/pkg/config"
	"github.com/aiku/mautrix-feishu/pkg/feishu"
	"github.com/aiku/mautrix-feishu/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const version = "0.1.0"

var (
	configPath           = flag.MakeFull("c", "config", "The path to the config file.", "config.yaml").String()
	registrationPath     = flag.MakeFull("r", "registration", "The path where to save the appservice registration.", "registration.yaml").String()
	generateRegistration = flag.MakeFull("g", "generate-registration", "Generate the appservice registration and quit.", "false").Bool()
	printVersion         = flag.MakeFull("v", "version", "Print the version and quit.", "false").Bool()
	wantHelp, _          = flag.MakeHelpFlag()
)

func versionString() string {
	tag := Tag
	if tag == "unknown" {
		tag = version + "+dev"
	}
	return fmt.Sprintf("mautrix-feishu %s (commit %s, built %s)", tag, Commit, BuildTime)
}

func main() {
	flag.SetHelpTitles(
		"mautrix-feishu - A Matrix-Feishu puppeting bridge.",
		"mautrix-feishu [-h] [-c <path>] [-r <path>] [-g] [-v]",
	)
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *printVersion {
		fmt.Println(versionString())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}

	if *generateRegistration {
		generateRegistrationFile(cfg)
		return
	}
	run(cfg)
}

// buildRegistration derives the appservice registration from the bridge
// config. Tokens that are missing or still say "generate" get fresh random
// values; everything else is copied verbatim so the registration served to
// the homeserver always matches what the bridge expects.
func buildRegistration(cfg *config.Config) *appservice.Registration {
	reg := appservice.CreateRegistration()
	reg.ID = cfg.AppService.ID
	reg.URL = cfg.AppService.Address
	reg.SenderLocalpart = cfg.AppService.Bot.Username
	rateLimited := false
	reg.RateLimited = &rateLimited
	if tok := cfg.AppService.ASToken; tok != "" && !strings.EqualFold(tok, "generate") {
		reg.AppToken = tok
	}
	if tok := cfg.AppService.HSToken; tok != "" && !strings.EqualFold(tok, "generate") {
		reg.ServerToken = tok
	}

	domain := regexp.QuoteMeta(cfg.Homeserver.Domain)
	botRegex := regexp.MustCompile(fmt.Sprintf("^@%s:%s$",
		regexp.QuoteMeta(cfg.AppService.Bot.Username), domain))
	puppetRegex := regexp.MustCompile(fmt.Sprintf("^@%s:%s$",
		cfg.Bridge.FormatUsername("[a-z0-9._=-]+"), domain))
	reg.Namespaces.UserIDs.Register(botRegex, true)
	reg.Namespaces.UserIDs.Register(puppetRegex, true)
	return reg
}

func generateRegistrationFile(cfg *config.Config) {
	reg := buildRegistration(cfg)
	if err := reg.Save(*registrationPath); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to save registration:", err)
		os.Exit(21)
	}
	fmt.Println("Registration written to", *registrationPath)
	fmt.Println("as_token:", reg.AppToken)
	fmt.Println("hs_token:", reg.ServerToken)
	fmt.Println("Copy the tokens into the bridge config, register the file with the homeserver, then start the bridge.")
}

func run(cfg *config.Config) {
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)
	log.Info().Str("version", versionString()).Msg("Initializing mautrix-feishu")
	ctx := log.WithContext(context.Background())

	db, err := dbutil.NewFromConfig("mautrix-feishu", cfg.AppService.Database,
		dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	st := store.New(db)
	if err = db.Upgrade(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to upgrade database schema")
	}

	as := appservice.Create()
	as.Log = log.With().Str("component", "appservice").Logger()
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err = as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse homeserver address")
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.AppService.Hostname,
		Port:     cfg.AppService.Port,
	}
	as.Registration = buildRegistration(cfg)

	metrics := bridge.NewMetrics()
	fs := feishu.NewClient(feishu.ClientOptions{
		AppID:         cfg.Feishu.AppID,
		AppSecret:     cfg.Feishu.AppSecret,
		BaseURL:       cfg.Feishu.BaseURL,
		Timeout:       time.Duration(cfg.Feishu.APITimeoutSeconds) * time.Second,
		MaxRetries:    cfg.Feishu.MaxRetries,
		RetryBackoff:  time.Duration(cfg.Feishu.RetryBackoffMillis) * time.Millisecond,
		RefreshMargin: time.Duration(cfg.Feishu.TokenRefreshMarginMS) * time.Millisecond,
		Metrics:       metrics,
	}, log.With().Str("component", "feishu").Logger())

	br, err := bridge.New(cfg, st, fs, bridge.NewAppServiceAPI(as), metrics, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridge")
	}

	ep := appservice.NewEventProcessor(as)
	ep.ExecMode = appservice.Sync
	for _, evtType := range []event.Type{event.EventMessage, event.EventSticker, event.EventRedaction} {
		ep.On(evtType, br.HandleMatrixEvent)
	}
	as.Router.Handle(cfg.Feishu.WebhookPath, br.WebhookHandler()).Methods(http.MethodPost)

	var adminSrv *http.Server
	if cfg.Admin.Address != "" {
		adminSrv = &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           br.AdminRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("address", cfg.Admin.Address).Msg("Starting admin API")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin API listener failed")
			}
		}()
	}

	go as.Start()
	go ep.Start(ctx)

	bot := as.BotIntent()
	if err = bot.EnsureRegistered(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to register bridge bot")
	}
	if name := cfg.AppService.Bot.Displayname; name != "" {
		if err := bot.SetDisplayName(ctx, name); err != nil {
			log.Warn().Err(err).Msg("Failed to set bot displayname")
		}
	}
	if avatar := cfg.AppService.Bot.Avatar; avatar != "" {
		if uri, err := id.ContentURIString(avatar).Parse(); err != nil {
			log.Warn().Err(err).Msg("Invalid bot avatar URL in config")
		} else if err = bot.SetAvatarURL(ctx, uri); err != nil {
			log.Warn().Err(err).Msg("Failed to set bot avatar")
		}
	}

	as.Ready = true
	br.Start()
	log.Info().
		Str("webhook_path", cfg.Feishu.WebhookPath).
		Uint16("appservice_port", cfg.AppService.Port).
		Msg("Bridge started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	log.Info().Msg("Shutting down")
	br.Stop()
	ep.Stop()
	as.Stop()
	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin API shutdown error")
		}
		cancel()
	}
	if err = db.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing database")
	}
	log.Info().Msg("Shutdown complete")
}
