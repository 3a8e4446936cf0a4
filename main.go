package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	gosip "github.com/ghettovoice/gosip"
	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/spf13/cobra"
	"gopkg.in/ini.v1"

	"fieldvoice/callsession"
	"fieldvoice/devicesim"
	"fieldvoice/media"
	"fieldvoice/telephony"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fieldvoice",
	Short: "Voice calls for field technicians",
	Long: `fieldvoice registers a technician with the voice registrar and runs a live
call screen on the terminal: mute, audio route, hangup, and simulated
proximity sensor and ringer switch.`,
	SilenceUsage: true,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Register and wait for incoming calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), "")
	},
}

var dialCmd = &cobra.Command{
	Use:   "dial <target>",
	Short: "Register and call a directory name or SIP URI",
	Example: `  fieldvoice dial dispatch
  fieldvoice dial sip:yard@voice.example.com -c /etc/fieldvoice/settings.ini`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "settings.ini", "settings file path")
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(dialCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func startSIP(cfg *Settings) (gosip.Server, int, error) {
	coreLog.Info("starting SIP server")

	port := cfg.SIPPort()
	portRange := cfg.SIPPortRange()
	host := cfg.PublicAddress()

	logger := gosiplog.NewLogrusLogger(sipLog, "SIP", nil)

	srv := gosip.NewServer(gosip.ServerConfig{Host: host, UserAgent: "fieldvoice"}, nil, nil, logger)

	var listenErr error
	for i := 0; i <= portRange; i++ {
		addr := fmt.Sprintf(":%d", port+i)
		listenErr = srv.Listen("udp", addr)
		if listenErr == nil {
			coreLog.Infof("SIP server listening on %s/udp", addr)
			return srv, port + i, nil
		}
		coreLog.Warnf("failed to listen on %s: %v", addr, listenErr)
	}
	srv.Shutdown()
	return nil, 0, fmt.Errorf("sip listen: %w", listenErr)
}

func run(ctx context.Context, target string) error {
	cfg, err := ini.Load(configPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	settings, err := LoadSettings(cfg)
	if err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	initLogging(cfg, os.Stdout)
	defer closeLogging()
	coreLog.Info("settings loaded from ", configPath)

	if addr := settings.MetricsListen(); addr != "" {
		ms := newMetricsServer(addr, coreLog)
		if err := ms.Start(); err != nil {
			return err
		}
		defer func() {
			if err := ms.Stop(context.Background()); err != nil {
				coreLog.Warn(err)
			}
		}()
	}

	srv, port, err := startSIP(settings)
	if err != nil {
		return err
	}
	defer srv.Shutdown()

	tokens := telephony.NewTokenClient(settings.TokenURL(), settings.Identity(), settings.BearerToken(), settings.TokenRetries(), coreLog)
	ua, err := telephony.NewUA(srv, telephony.Config{
		LocalURI:       settings.IDURI(),
		ContactHost:    settings.PublicAddress(),
		ContactPort:    port,
		Registrar:      settings.Registrar(),
		RegisterExpiry: settings.RegisterExpiry(),
		InviteTimeout:  settings.InviteTimeout(),
	}, tokens,
		telephony.WithLogger(sipLog),
		telephony.WithDirectory(telephony.NewDirectory(settings.Directory())),
		telephony.WithMedia(func() media.Controller { return media.NewController(mediaLog) }),
	)
	if err != nil {
		return err
	}
	if err := ua.Start(ctx); err != nil {
		return fmt.Errorf("start user agent: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ua.Close(closeCtx); err != nil {
			coreLog.Warnf("unregister: %v", err)
		}
	}()

	audio := devicesim.NewAudioRoute(devicesim.DefaultDevices(), "earpiece", coreLog.WithField("gateway", "audio"))
	defer audio.Close()
	prox := devicesim.NewProximity(coreLog.WithField("gateway", "proximity"))
	defer prox.Close()
	ringer := devicesim.NewRinger(callsession.RingerNormal, coreLog.WithField("gateway", "ringer"))
	defer ringer.Close()

	mgr, err := callsession.NewManager(callsession.Gateways{
		Telephony:  ua,
		AudioRoute: audio,
		Proximity:  prox,
		Ringer:     ringer,
	}, coreLog,
		callsession.WithDisconnectTimeout(settings.DisconnectTimeout()),
		callsession.WithSelectRate(settings.SelectRate()),
	)
	if err != nil {
		return err
	}
	defer mgr.Close()

	con := newConsole(os.Stdout, mgr, audio, prox, ringer, coreLog)
	invites := mgr.SubscribeInvites(con.onInvite(ctx, settings.AutoAnswer()))
	defer invites.Unsubscribe()

	if target != "" {
		if err := con.exec(ctx, "dial "+target); err != nil {
			return err
		}
	}
	con.printf("type help for commands\n")
	err = con.run(ctx, os.Stdin)
	coreLog.Info("performing a graceful shutdown...")
	return err
}
