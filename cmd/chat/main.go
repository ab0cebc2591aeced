package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/ackchat/internal/client"
	"github.com/omochice/ackchat/internal/config"
	"github.com/omochice/ackchat/internal/console"
	"github.com/omochice/ackchat/internal/logger"
)

const requestTimeout = 10 * time.Second

var errNoPeer = errors.New("no peer selected, use /to <name>")

func main() {
	configPath := flag.String("config", "", "Path to a TOML config file")
	serverAddr := flag.String("server", "", "Chat server URL (e.g., http://localhost:8080)")
	format := flag.String("format", "", "Wire format: json or proto")
	username := flag.String("username", "", "Username to log in with")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *serverAddr != "" {
		cfg.Connection.ServerURL = *serverAddr
	}
	if *format != "" {
		cfg.Connection.Format = *format
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	zl, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := console.NewPresenter(os.Stdout)
	c := client.New(cfg, p, client.WithLogger(zl))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(ctx) })
	g.Go(func() error {
		defer stop()
		return repl(ctx, c, p, *username, os.Stdin, zl)
	})
	if err := g.Wait(); err != nil {
		zl.Fatal("chat client failed", zap.Error(err))
	}
}

func repl(ctx context.Context, c *client.Client, p *console.Presenter, username string, in io.Reader, zl *zap.Logger) error {
	if username != "" {
		if err := login(ctx, c, username); err != nil {
			p.Println("Failed to log in:", err)
		}
	}
	p.Println("Type /help for commands (or 'quit' to exit)")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			zl.Warn("error reading input", zap.Error(err))
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				logout(c)
				return nil
			}
			line = l
		}

		cmd, ok, err := console.Parse(line)
		if err != nil {
			p.Println(err)
			continue
		}
		if !ok {
			continue
		}
		if cmd.Op == console.OpQuit {
			logout(c)
			return nil
		}
		if err := execute(ctx, c, p, cmd); err != nil {
			p.Println(err)
		}
	}
}

func execute(ctx context.Context, c *client.Client, p *console.Presenter, cmd console.Command) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch cmd.Op {
	case console.OpSay:
		peer := c.Peer()
		if peer == "" {
			return errNoPeer
		}
		_, err := c.Send(ctx, peer, cmd.Arg)
		return err
	case console.OpLogin:
		return login(ctx, c, cmd.Arg)
	case console.OpLogout:
		return c.Logout(ctx)
	case console.OpTo:
		return c.SelectPeer(ctx, cmd.Arg)
	case console.OpResend:
		id, err := p.Lookup(cmd.Arg)
		if err != nil {
			return err
		}
		return c.Resend(ctx, id)
	case console.OpPending:
		pending, err := c.Pending(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			p.Println("nothing pending")
		}
		for _, e := range pending {
			p.Println(fmt.Sprintf("%s to %s: %q (retries %d)",
				e.Message.MessageID, e.Message.To, e.Message.Content, e.Retries))
		}
	case console.OpWho:
		p.RenderDirectory(p.Online())
	case console.OpHelp:
		p.Println(console.Help)
	}
	return nil
}

func login(ctx context.Context, c *client.Client, username string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return c.Login(ctx, username)
}

func logout(c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Logout(ctx)
}
