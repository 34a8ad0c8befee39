// Copyright 2021 Ilia Frenkel. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE.txt file.

// Package notify posts links to stored documents to chat channels.
package notify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-pkgz/lgr"
	"github.com/iliafrenkel/go-haste/src/store"
)

// Notification errors.
var (
	ErrBadChannel   = errors.New("channel is not configured")
	ErrNotConnected = errors.New("messenger is not connected")
	ErrNotFound     = errors.New("document not found")
)

// Messenger sends a text message to a channel.
type Messenger interface {
	Say(channel, text string) error
}

// Documents looks up document metadata, missing documents are nil.
type Documents interface {
	Keys(keys []string) ([]*store.Document, error)
}

// Notifier composes a message about a document and sends it with a
// Messenger.
type Notifier struct {
	docs     Documents
	msgr     Messenger
	url      string
	channels map[string]struct{}
	log      lgr.L
}

// NewNotifier returns a Notifier that links documents relative to url and
// only posts to the listed channels. A nil Messenger is allowed, every
// notification then fails with ErrNotConnected.
func NewNotifier(docs Documents, msgr Messenger, url string, channels []string, log lgr.L) *Notifier {
	if log == nil {
		log = lgr.NoOp
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	n := &Notifier{
		docs:     docs,
		msgr:     msgr,
		url:      url,
		channels: make(map[string]struct{}),
		log:      log,
	}
	for _, ch := range channels {
		n.channels[ChannelName(ch)] = struct{}{}
	}
	return n
}

// ChannelName returns the channel name with the leading #.
func ChannelName(ch string) string {
	if strings.HasPrefix(ch, "#") {
		return ch
	}
	return "#" + ch
}

// Message returns the notification text for a document. Documents that
// are not text are linked to their raw form.
func (n *Notifier) Message(doc store.Document) string {
	var sb strings.Builder
	if doc.Name != "" {
		sb.WriteString(doc.Name + ": ")
	}
	sb.WriteString(n.url)
	if !strings.Contains(doc.Mimetype, "text") {
		sb.WriteString("docs/")
	}
	sb.WriteString(doc.Key)
	if doc.Syntax != "" {
		sb.WriteString("." + doc.Syntax)
	}
	return sb.String()
}

// Notify posts a link to the document with the given key to a channel and
// returns the message that was sent.
func (n *Notifier) Notify(channel, key string) (string, error) {
	channel = ChannelName(channel)
	if _, ok := n.channels[channel]; !ok {
		return "", fmt.Errorf("Notifier.Notify: %w: %s", ErrBadChannel, channel)
	}
	if n.msgr == nil {
		return "", fmt.Errorf("Notifier.Notify: %w", ErrNotConnected)
	}

	docs, err := n.docs.Keys([]string{key})
	if err != nil || len(docs) == 0 || docs[0] == nil {
		n.log.Logf("ERROR notify did not find document %s", key)
		return "", fmt.Errorf("Notifier.Notify: %w: key [%s]", ErrNotFound, key)
	}

	msg := n.Message(*docs[0])
	n.log.Logf("DEBUG notifying %s: %s", channel, msg)
	if err := n.msgr.Say(channel, msg); err != nil {
		return "", fmt.Errorf("Notifier.Notify: %w", err)
	}
	return msg, nil
}
