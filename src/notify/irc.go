// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.

package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/go-pkgz/lgr"
)

// IRCConfig holds the IRC client parameters.
type IRCConfig struct {
	Server    string        `long:"server" env:"SERVER" description:"IRC server address (host:port), empty to disable"`
	Nick      string        `long:"nick" env:"NICK" default:"haste" description:"IRC nickname"`
	Channels  []string      `long:"channel" env:"CHANNELS" env-delim:"," description:"IRC channel to join, can be repeated"`
	URL       string        `long:"url" env:"URL" default:"http://localhost:7777/" description:"public URL of the service used in links"`
	TLS       bool          `long:"tls" env:"TLS" description:"connect using TLS"`
	Timeout   time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"connection timeout"`
	Reconnect time.Duration `long:"reconnect" env:"RECONNECT" default:"30s" description:"delay before reconnecting"`
}

// IRC posts messages to IRC channels. Registration, PING replies, nick
// collisions and reconnects are handled by ircevent, IRC joins the
// configured channels once the server welcomes it. It implements Messenger.
type IRC struct {
	cfg IRCConfig
	log lgr.L

	mu    sync.Mutex
	conn  *ircevent.Connection
	ready bool
}

// Fail if the struct does not match the Messenger.
var _ = Messenger(&IRC{})

// NewIRC returns a client that is not connected yet, call Run to connect.
func NewIRC(cfg IRCConfig, log lgr.L) *IRC {
	if log == nil {
		log = lgr.NoOp
	}
	if cfg.Nick == "" {
		cfg.Nick = "haste"
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = 30 * time.Second
	}
	return &IRC{cfg: cfg, log: log}
}

func (c *IRC) connection() *ircevent.Connection {
	conn := &ircevent.Connection{
		Server:        c.cfg.Server,
		Nick:          c.cfg.Nick,
		User:          c.cfg.Nick,
		RealName:      c.cfg.Nick,
		UseTLS:        c.cfg.TLS,
		Timeout:       c.cfg.Timeout,
		ReconnectFreq: c.cfg.Reconnect,
		QuitMessage:   "shutting down",
		Log:           log.New(lgr.ToWriter(c.log, "DEBUG"), "irc: ", 0),
	}
	if c.cfg.TLS {
		conn.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn.AddConnectCallback(func(m ircmsg.Message) {
		nick := c.cfg.Nick
		if len(m.Params) > 0 {
			nick = m.Params[0]
		}
		c.log.Logf("INFO irc: connected to %s as %s", c.cfg.Server, nick)
		for _, ch := range c.cfg.Channels {
			if err := conn.Join(ChannelName(ch)); err != nil {
				c.log.Logf("WARN irc: failed to join %s: %v", ch, err)
			}
		}
		c.setReady(true)
	})
	conn.AddDisconnectCallback(func(m ircmsg.Message) {
		c.log.Logf("WARN irc: disconnected from %s", c.cfg.Server)
		c.setReady(false)
	})
	return conn
}

// Run connects to the server and keeps the connection up until ctx is
// done. It always returns a non-nil error.
func (c *IRC) Run(ctx context.Context) error {
	conn := c.connection()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Quit()
		case <-stop:
		}
	}()

	for {
		c.log.Logf("INFO irc: connecting to %s", c.cfg.Server)
		err := conn.Connect()
		if ctx.Err() != nil {
			c.setReady(false)
			return ctx.Err()
		}
		if err == nil {
			break
		}
		c.log.Logf("WARN irc: failed to connect: %v", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.Reconnect):
		}
	}

	// Loop reconnects on its own and returns once Quit is called.
	conn.Loop()
	c.setReady(false)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("IRC.Run: %w", ErrNotConnected)
}

// Say sends a message to a channel. It fails with ErrNotConnected until
// the server has accepted the registration.
func (c *IRC) Say(channel, text string) error {
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)

	c.mu.Lock()
	conn, ready := c.conn, c.ready
	c.mu.Unlock()
	if !ready {
		return fmt.Errorf("IRC.Say: %w", ErrNotConnected)
	}
	if err := conn.Privmsg(ChannelName(channel), text); err != nil {
		return fmt.Errorf("IRC.Say: %w", err)
	}
	return nil
}

// Connected reports whether the client is registered with the server.
func (c *IRC) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *IRC) setReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}
