package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"github.com/dispatchgrid/consolehub/archive"
	"github.com/dispatchgrid/consolehub/bsu"
	"github.com/dispatchgrid/consolehub/config"
	"github.com/dispatchgrid/consolehub/globals"
	"github.com/dispatchgrid/consolehub/presence"
	"github.com/dispatchgrid/consolehub/store"
	"github.com/dispatchgrid/consolehub/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:2323", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}

	st := store.New(store.Config{
		DataPath:  cfg.StoreConfig.DataPath,
		BackupDir: cfg.StoreConfig.BackupDir,
		LockPath:  cfg.StoreConfig.LockPath,
	})
	bsuStore := bsu.New(cfg.StoreConfig.BsuDataPath)
	tracker, err := presence.NewTracker(st)
	if err != nil {
		panic(err)
	}
	archiver, err := archive.NewArchiver(cfg)
	if err != nil {
		panic(err)
	}
	if archiver != nil {
		defer archiver.Close()
	}

	hub := ws.NewHub(cfg, st, tracker, archiver)
	go hub.Run()

	srv := &http.Server{
		Addr:    *addr,
		Handler: newRouter(cfg, st, bsuStore, hub),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		globals.AppLogger.Info("shutting down")
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			globals.AppLogger.Error("could not shut down cleanly", "error", err)
		}
	}()

	globals.AppLogger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = srv.ListenAndServeTLS(*sslCert, *sslKey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		globals.AppLogger.Error("stopped listening", "error", err)
		os.Exit(1)
	}
}
