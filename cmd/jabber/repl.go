// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"mellium.im/jabber"
	"mellium.im/jabber/jid"
	"mellium.im/jabber/roster"
)

const prompt = "> "

// sender is the part of a *jabber.Client used by the command loop.
type sender interface {
	SendMessage(to, body string) error
	SendRosterRequest() error
	SendTranscript(ctx context.Context, lines []string) error
}

// console prints inbound stanzas and keeps the transcript of the current chat.
type console struct {
	mu   sync.Mutex
	out  io.Writer
	self string
	peer string
	log  []string
}

func newConsole(out io.Writer, self string) *console {
	return &console{out: out, self: self}
}

func (c *console) printf(format string, v ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, v...)
}

// handler returns the handler for the account with the given address.
// Only messages from the current peer to the primary account are recorded in
// the transcript.
func (c *console) handler(account string, primary bool) jabber.Handler {
	prefix := ""
	if !primary {
		prefix = "[" + account + "] "
	}
	return jabber.HandlerFuncs{
		Message: func(m jabber.Message) {
			if m.Body == "" {
				return
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			line := m.From + " says: " + m.Body
			fmt.Fprintf(c.out, "\n%s%s\n%s", prefix, line, prompt)
			if primary && fromPeer(m.From, c.peer) {
				c.log = append(c.log, line)
			}
		},
		Roster: func(r roster.Roster) {
			c.mu.Lock()
			defer c.mu.Unlock()
			fmt.Fprintf(c.out, "\n%sContacts (%d):\n", prefix, len(r))
			for _, item := range r {
				if item.Name != "" {
					fmt.Fprintf(c.out, "  %s (%s)\n", item.JID, item.Name)
					continue
				}
				fmt.Fprintf(c.out, "  %s\n", item.JID)
			}
			fmt.Fprint(c.out, prompt)
		},
		Presence: func(p jabber.Presence) {
			status := p.Show
			switch {
			case p.Type == "unavailable":
				status = "offline"
			case p.Type != "":
				return
			case status == "":
				status = "available"
			}
			c.printf("\n%s%s is %s\n%s", prefix, p.From, status, prompt)
		},
	}
}

// fromPeer reports whether from is peer or one of its resources.
func fromPeer(from, peer string) bool {
	if peer == "" {
		return false
	}
	f, err := jid.Parse(from)
	if err != nil {
		return false
	}
	p, err := jid.Parse(peer)
	if err != nil {
		return false
	}
	return f.Bare().Equal(p.Bare())
}

func (c *console) chatting() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *console) startChat(peer string) {
	c.mu.Lock()
	c.peer = peer
	c.log = nil
	c.mu.Unlock()
}

func (c *console) record(body string) {
	c.mu.Lock()
	c.log = append(c.log, c.self+" says: "+body)
	c.mu.Unlock()
}

func (c *console) endChat() (peer string, lines []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	peer, lines = c.peer, c.log
	c.peer, c.log = "", nil
	return peer, lines
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "@roster - Gets the roster list")
	fmt.Fprintln(w, "@chat <jid> - Ends any ongoing chat and starts a new one with jid")
	fmt.Fprintln(w, "@end - Ends the ongoing chat and archives its transcript")
	fmt.Fprintln(w, "@help - Displays this help menu")
	fmt.Fprintln(w, "@quit - Exits")
}

// repl reads commands from in until @quit or the end of input.
func repl(ctx context.Context, in io.Reader, c *console, s sender) error {
	c.printf("Type '@help' to see the available commands.\n")
	scanner := bufio.NewScanner(in)
	for {
		c.printf(prompt)
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "@help":
			c.mu.Lock()
			printHelp(c.out)
			c.mu.Unlock()
		case "@roster":
			if err := s.SendRosterRequest(); err != nil {
				c.printf("Error requesting contact list: %v\n", err)
			}
		case "@chat":
			if arg == "" {
				c.printf("Usage: @chat <jid>\n")
				continue
			}
			endChat(ctx, c, s)
			c.startChat(arg)
			c.printf("Start chatting with %s\n", arg)
		case "@end":
			if c.chatting() == "" {
				c.printf("Not chatting with anyone.\n")
				continue
			}
			endChat(ctx, c, s)
		case "@quit":
			endChat(ctx, c, s)
			return nil
		default:
			peer := c.chatting()
			if peer == "" {
				c.printf("Invalid command. Type '@help' to see the available commands.\n")
				continue
			}
			if err := s.SendMessage(peer, line); err != nil {
				c.printf("Error sending message: %v\n", err)
				continue
			}
			c.record(line)
		}
	}
	endChat(ctx, c, s)
	return scanner.Err()
}

// endChat archives the transcript of the current chat, if any.
func endChat(ctx context.Context, c *console, s sender) {
	peer, lines := c.endChat()
	if peer == "" {
		return
	}
	if len(lines) > 0 {
		err := s.SendTranscript(ctx, lines)
		switch {
		case errors.Is(err, jabber.ErrNoArchive):
		case err != nil:
			c.printf("Error saving transcript: %v\n", err)
		}
	}
	c.printf("Ended chatting with %s\n", peer)
}
