package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"convpipe/internal/domain"
)

// Console is a development transport: lines typed on stdin are inbound
// messages from one counterpart and sends are printed to stdout.
// A line starting with "/op " is recorded as an operator message.
type Console struct {
	counterpart string
	tenant      string
	in          io.Reader
	out         io.Writer
	outMu       sync.Mutex
	logger      *slog.Logger
}

type ConsoleConfig struct {
	Counterpart string // channel-local id, default "local"
	Tenant      string
	In          io.Reader
	Out         io.Writer
	Logger      *slog.Logger
}

func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Counterpart == "" {
		cfg.Counterpart = "local"
	}
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Console{
		counterpart: cfg.Counterpart,
		tenant:      cfg.Tenant,
		in:          cfg.In,
		out:         cfg.Out,
		logger:      cfg.Logger,
	}
}

func (c *Console) Name() string { return "console" }

// Address is the counterpart address inbound console messages carry.
func (c *Console) Address() string { return Address(c.Name(), c.counterpart) }

// Start reads stdin until EOF, "/quit", or ctx is done.
func (c *Console) Start(ctx context.Context, bus domain.MessageBus) error {
	c.printf("convpipe console. Messages are answered after the quiet window. /op <text> speaks as an operator, /quit exits.\nYou> ")

	lines := make(chan string)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit" || line == "/exit" || line == "/q":
				c.logger.Info("console quit requested")
				return nil
			case strings.HasPrefix(line, "/op "):
				c.publish(bus, strings.TrimSpace(strings.TrimPrefix(line, "/op ")), domain.SentByOperator+":console")
			default:
				c.publish(bus, line, "")
			}
			c.printf("You> ")
		}
	}
}

func (c *Console) publish(bus domain.MessageBus, body, sentBy string) {
	bus.Publish(domain.InboundEvent{
		Tenant:      c.tenant,
		Channel:     c.Name(),
		Counterpart: c.Address(),
		Body:        body,
		SentBy:      sentBy,
		Timestamp:   time.Now(),
	})
}

func (c *Console) Stop() error { return nil }

func (c *Console) Send(ctx context.Context, counterpart, content string) (domain.DeliveryReceipt, error) {
	if err := c.printf("\r\033[K--- to %s ---\n%s\n----------------\nYou> ", counterpart, content); err != nil {
		return domain.DeliveryReceipt{}, err
	}
	return domain.DeliveryReceipt{Transport: c.Name(), SentAt: time.Now()}, nil
}

func (c *Console) printf(format string, args ...any) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintf(c.out, format, args...)
	return err
}
