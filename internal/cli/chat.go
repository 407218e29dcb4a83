package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ashureev/tutor-chat/internal/domain"
	"github.com/ashureev/tutor-chat/internal/session"
)

// controller is what the terminal front end needs from a session.
type controller interface {
	session.View
	SendMessage(ctx context.Context, content string, background *domain.BackgroundProfile) error
	ClearMessages() error
}

// chat is a line-oriented front end. Input is read only while the session is
// connected (or has given up connecting) and no reply is outstanding.
type chat struct {
	ctl        controller
	in         io.Reader
	out        io.Writer
	background *domain.BackgroundProfile

	ready      bool
	generating bool
	shown      int
	version    uint64
}

func newChat(ctl controller, in io.Reader, out io.Writer, background *domain.BackgroundProfile) *chat {
	return &chat{ctl: ctl, in: in, out: out, background: background}
}

func (c *chat) run(ctx context.Context) error {
	updates, unsubscribe := c.ctl.Subscribe()
	defer unsubscribe()
	notices := c.ctl.Notices()

	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go c.readLines(lines, readErr, done)

	for {
		var input <-chan string
		if c.ready && !c.generating {
			input = lines
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			c.render(snap)

		case n, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			fmt.Fprintf(c.out, "! %v\n", n.Err)
			if n.Kind == session.NoticeConnectionClosed && !c.ready {
				c.ready = true
				c.prompt()
			}

		case line, ok := <-input:
			if !ok {
				return <-readErr
			}
			quit, err := c.handle(ctx, line)
			if err != nil || quit {
				return err
			}
		}
	}
}

func (c *chat) handle(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		c.prompt()
		return false, nil
	case "/quit", "/exit":
		return true, nil
	case "/clear":
		if err := c.ctl.ClearMessages(); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "(transcript cleared)")
		c.prompt()
		return false, nil
	}

	if err := c.ctl.SendMessage(ctx, line, c.background); err != nil {
		if errors.Is(err, session.ErrTransportUnavailable) {
			// Reported through the notice channel.
			c.prompt()
			return false, nil
		}
		return false, err
	}
	c.background = nil
	c.generating = true
	return false, nil
}

func (c *chat) render(snap session.Snapshot) {
	if snap.Version <= c.version && c.version != 0 {
		return
	}
	c.version = snap.Version

	if len(snap.Messages) < c.shown {
		c.shown = len(snap.Messages)
	}
	for _, m := range snap.Messages[c.shown:] {
		if m.IsUser() {
			continue // already on screen as typed
		}
		fmt.Fprintf(c.out, "tutor> %s\n", m.Content)
	}
	c.shown = len(snap.Messages)

	if !c.ready && snap.Connected {
		c.ready = true
		fmt.Fprintf(c.out, "connected as %s\n", snap.ClientID)
		c.prompt()
	}
	if c.generating && !snap.Generating {
		c.generating = false
		c.prompt()
	}
}

func (c *chat) prompt() {
	fmt.Fprint(c.out, "> ")
}

func (c *chat) readLines(lines chan<- string, errc chan<- error, done <-chan struct{}) {
	defer close(lines)
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-done:
			return
		}
	}
	errc <- sc.Err()
}
