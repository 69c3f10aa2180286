// Command pairing runs the pairing widget in a terminal. It exits 0 once the
// code is confirmed and 1 when the user quits first.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"pairing-widget/internal/config"
	"pairing-widget/internal/factory"
	"pairing-widget/internal/notify"
	"pairing-widget/internal/pairing"
	"pairing-widget/internal/render"
	"pairing-widget/internal/trust"
	"pairing-widget/internal/util"
)

var errQuit = errors.New("quit")

func main() {
	envFile := flag.String("env-file", "", "load configuration from this .env file")
	withTrust := flag.Bool("trust", false, "also run trust verification for TRUST_HOSTNAME")
	inverted := flag.Bool("invert-qr", false, "draw the QR code for light-on-dark terminals")
	flag.Parse()

	cfg, err := loadConfig(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	f, err := factory.NewFactory(cfg)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}

	confirmed, err := run(f, os.Stdin, *withTrust, *inverted)
	f.Close()
	if err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		util.Error("Pairing widget failed", util.ErrorField(err))
	}
	if !confirmed {
		os.Exit(1)
	}
}

func loadConfig(envFile string) (*config.Config, error) {
	if envFile == "" {
		return config.LoadConfig(), nil
	}
	return config.LoadFile(envFile)
}

// run drives one widget until it is confirmed, the user quits, or a signal
// arrives.
func run(f *factory.Factory, in io.Reader, withTrust, inverted bool) (bool, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	widgetID := terminalWidgetID()
	term := render.NewTerminal(os.Stdout,
		render.WithClearScreen(true),
		render.WithInvertedQR(inverted),
		render.WithLogger(f.Logger()),
	)

	done := make(chan struct{})
	var doneOnce sync.Once
	ctrl := f.NewController(widgetID,
		pairing.WithRenderer(pairing.RendererFunc(func(v pairing.View) {
			term.Render(v)
			if v.State == pairing.StateConfirmed {
				doneOnce.Do(func() { close(done) })
			}
		})),
		pairing.WithNotifier(notify.Multi{f.Notifier(), notify.NewTerminal(os.Stdout)}),
	)
	defer ctrl.Close()

	var monitor *trust.Monitor
	if withTrust {
		monitor = f.NewTrustMonitor("", widgetID, trust.WithOnChange(term.RenderTrust))
		if monitor == nil {
			return false, errors.New("TRUST_HOSTNAME is required with -trust")
		}
		defer monitor.Close()
	}

	commands := make(chan string)
	go readCommands(in, commands)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ctrl.Open(gctx); err != nil {
			util.Warn("Could not issue pairing code", util.ErrorField(err))
		}
		return nil
	})

	if monitor != nil {
		g.Go(func() error {
			if err := monitor.Refresh(gctx); err != nil {
				return nil
			}
			if monitor.View().Status != trust.StatusVerified {
				if err := monitor.StartVerification(gctx); err != nil {
					util.Warn("Could not start trust verification", util.ErrorField(err))
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-done:
				return nil
			case cmd, ok := <-commands:
				if !ok {
					// stdin closed, keep waiting for confirmation
					commands = nil
					continue
				}
				if cmd == "q" {
					return errQuit
				}
				if cmd == "r" {
					if err := ctrl.IssueNewCode(gctx); err != nil && !errors.Is(err, pairing.ErrIssueInProgress) {
						util.Warn("Could not issue pairing code", util.ErrorField(err))
					}
				}
			}
		}
	})

	err := g.Wait()
	return ctrl.State() == pairing.StateConfirmed, err
}

// readCommands forwards trimmed, lower-cased stdin lines until EOF.
func readCommands(in io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		out <- strings.ToLower(strings.TrimSpace(scanner.Text()))
	}
}

func terminalWidgetID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "terminal"
	}
	return "terminal@" + host
}
