// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/iliafrenkel/go-haste/src/keygen"
	"github.com/iliafrenkel/go-haste/src/notify"
	"github.com/iliafrenkel/go-haste/src/service"
	"github.com/iliafrenkel/go-haste/src/store"
	"github.com/iliafrenkel/go-haste/src/web"
	"github.com/jessevdk/go-flags"
)

// Version information, comes from the build flags (see Makefile)
var (
	version = `¯\_(ツ)_/¯`
)

// StoreGroup holds the storage options, only the group matching Type is
// used.
type StoreGroup struct {
	Type     string            `long:"type" env:"TYPE" default:"memory" choice:"memory" choice:"file" choice:"redis" choice:"postgres" description:"type of the document storage"`
	Recent   int               `long:"recent" env:"RECENT" default:"20" description:"number of documents in the recent list"`
	Expire   time.Duration     `long:"expire" env:"EXPIRE" default:"0s" description:"expire documents that are not read for this long, redis only"`
	File     store.DiskConfig  `group:"file" namespace:"file" env-namespace:"FILE"`
	Redis    store.RedisConfig `group:"redis" namespace:"redis" env-namespace:"REDIS"`
	Postgres PostgresGroup     `group:"postgres" namespace:"postgres" env-namespace:"POSTGRES"`
}

// PostgresGroup holds the record store options.
type PostgresGroup struct {
	Connection  string `long:"connection" env:"CONNECTION" default:"" description:"database connection string"`
	AutoMigrate bool   `long:"auto-migrate" env:"AUTO_MIGRATE" description:"create or update tables on start"`
}

var opts struct {
	Timeouts struct {
		Shutdown  time.Duration `long:"shutdown" env:"SHUTDOWN" default:"10s" description:"server graceful shutdown timeout"`
		HTTPRead  time.Duration `long:"http-read" env:"HTTP_READ" default:"15s" description:"duration for reading the entire request"`
		HTTPWrite time.Duration `long:"http-write" env:"HTTP_WRITE" default:"15s" description:"duration before timing out writes of the response"`
		HTTPIdle  time.Duration `long:"http-idle" env:"HTTP_IDLE" default:"60s" description:"amount of time to wait for the next request"`
	} `group:"timeout" namespace:"timeout" env-namespace:"HASTE_TIMEOUT"`
	Web struct {
		Host        string `long:"host" env:"HOST" default:"localhost" description:"hostname part of the Web server address"`
		Port        uint16 `long:"port" env:"PORT" default:"7777" description:"port part of the Web server address"`
		LogFile     string `long:"log-file" env:"LOG_FILE" default:"" description:"full path to the access log file, default is stdout"`
		LogMode     string `long:"log-mode" env:"LOG_MODE" default:"production" choice:"debug" choice:"production" description:"log mode, can be 'debug' or 'production'"`
		Assets      string `long:"assets" env:"ASSETS" default:"" description:"path to the static files folder, served under /assets/"`
		MaxBodySize int64  `long:"max-body-size" env:"MAX_BODY_SIZE" default:"1048576" description:"maximum size for request's body"`
	} `group:"web" namespace:"web" env-namespace:"HASTE_WEB"`
	Store StoreGroup `group:"store" namespace:"store" env-namespace:"HASTE_STORE"`
	Keys  struct {
		Length    int    `long:"length" env:"LENGTH" default:"10" description:"length of generated keys"`
		Generator string `long:"generator" env:"GENERATOR" default:"random" choice:"random" choice:"secure" choice:"phonetic" choice:"ksuid" choice:"uuid" description:"key generator"`
		Keyspace  string `long:"keyspace" env:"KEYSPACE" default:"" description:"characters to build keys from, random and secure generators only"`
	} `group:"keys" namespace:"keys" env-namespace:"HASTE_KEYS"`
	IRC       notify.IRCConfig  `group:"irc" namespace:"irc" env-namespace:"HASTE_IRC"`
	Documents map[string]string `long:"document" env:"HASTE_DOCUMENTS" env-delim:"," key-value-delimiter:":" description:"static document as key:path, can be repeated"`
	MaxLength int               `long:"max-length" env:"HASTE_MAX_LENGTH" default:"400000" description:"maximum length of a stored document"`
	Debug     bool              `long:"debug" env:"DEBUG" description:"debug mode"`
}

func main() {
	// Say hello
	fmt.Printf("go-haste %s\n", version)

	// Parse the flags
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	p.NamespaceDelimiter = "-"
	p.EnvNamespaceDelimiter = "_"
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			fmt.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	log := setupLog(opts.Debug)

	if opts.Debug {
		log.Logf("INFO Options: %+v", opts)
	}

	st, closeStore, err := newStore(opts.Store, log)
	if err != nil {
		log.Logf("FATAL cannot create %s store: %v", opts.Store.Type, err)
	}
	defer closeStore()

	gen, err := keygen.New(opts.Keys.Generator, opts.Keys.Keyspace)
	if err != nil {
		log.Logf("FATAL %v", err)
	}

	svc := service.New(st, gen, log, service.Options{
		KeyLength:   opts.Keys.Length,
		MaxLength:   opts.MaxLength,
		RecentLimit: opts.Store.Recent,
	})
	if err := loadDocuments(svc, opts.Documents, log); err != nil {
		log.Logf("FATAL %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var msgr notify.Messenger
	if opts.IRC.Server != "" {
		client := notify.NewIRC(opts.IRC, log)
		go func() {
			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Logf("ERROR irc client stopped: %v", err)
			}
		}()
		msgr = client
	}
	notifier := notify.NewNotifier(svc, msgr, opts.IRC.URL, opts.IRC.Channels, log)

	// Start the server
	webServer := web.New(log, svc, notifier, web.ServerOptions{
		Addr:         opts.Web.Host + ":" + fmt.Sprintf("%d", opts.Web.Port),
		ReadTimeout:  opts.Timeouts.HTTPRead,
		WriteTimeout: opts.Timeouts.HTTPWrite,
		IdleTimeout:  opts.Timeouts.HTTPIdle,
		LogFile:      opts.Web.LogFile,
		LogMode:      opts.Web.LogMode,
		Assets:       opts.Web.Assets,
		MaxBodySize:  opts.Web.MaxBodySize,
		Version:      version,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	errc := make(chan error, 1)

	go func() {
		errc <- webServer.ListenAndServe()
	}()

	// Wait indefinitely for either one of the OS signals (SIGTERM or SIGINT)
	// or for the server to return an error.
	select {
	case <-quit:
		log.Logf("INFO Shutting down ...")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Logf("ERROR Startup failed, exiting: %v\n", err)
		}
	}

	// Stop the IRC client together with the web server, the timeout
	// gives the server some time to close all the connections.
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), opts.Timeouts.Shutdown)
	defer scancel()

	if err := webServer.Shutdown(sctx); err != nil {
		log.Logf("INFO \tWeb server forced to shutdown: %v\n", err)
	} else {
		log.Logf("INFO \tWeb server is down")
	}
	log.Logf("INFO Sayōnara!")
}

func setupLog(dbg bool) *lgr.Logger {
	if dbg {
		return lgr.New(lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces)
	}
	return lgr.New()
}

// newStore creates the configured document store. The returned function
// releases the store's resources.
func newStore(cfg StoreGroup, log lgr.L) (store.Interface, func(), error) {
	noop := func() {}
	switch cfg.Type {
	case "memory":
		if cfg.Expire > 0 {
			log.Logf("WARN memory store cannot set expirations on keys")
		}
		return store.NewMemDB(cfg.Recent), noop, nil
	case "file":
		dc := cfg.File
		dc.Expire = cfg.Expire > 0
		dc.Recent = cfg.Recent
		st, err := store.NewDiskStorage(&dc, log)
		return st, noop, err
	case "redis":
		rc := cfg.Redis
		rc.Expire = cfg.Expire
		rc.Recent = cfg.Recent
		st, err := store.NewRedisStore(rc, log)
		if err != nil {
			return nil, noop, err
		}
		return st, func() { _ = st.Close() }, nil
	case "postgres":
		st, err := store.NewPostgresDB(cfg.Postgres.Connection, cfg.Postgres.AutoMigrate, cfg.Recent, log)
		return st, noop, err
	}
	return nil, noop, fmt.Errorf("unknown store type: %s", cfg.Type)
}

// loadDocuments stores each file as a static document under its key. The
// file extension becomes the syntax.
func loadDocuments(svc *service.Service, docs map[string]string, log lgr.L) error {
	for key, path := range docs {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("cannot open static document %s: %w", key, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("cannot read static document %s: %w", key, err)
		}
		if err := svc.StoreStatic(key, data, store.SyntaxFromName(filepath.Base(path))); err != nil {
			return fmt.Errorf("cannot store static document %s: %w", key, err)
		}
		log.Logf("INFO loaded static document %s from %s", key, path)
	}
	return nil
}
