// Package routingd drives the routing daemon through its Unix control
// socket (spec.md §4.4). The socket protocol — request-reply text lines,
// a response terminated by a line whose first four characters are digits
// followed by a space — is grounded on the moenet-agent bird control-socket
// pool; unlike that pool, each command here dials its own fresh
// connection. The debounce itself replaces that
// pool's design: spec.md §9 calls the shared-mutex thread-Timer pattern a
// defect and mandates one long-lived task reading either a reload request
// or its own timer firing, which is what Reloader.run below does.
package routingd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/dn42fabric/fabric-agent/internal/metrics"
)

// DefaultCoalesceDelay is the quiet period a reload waits for before
// actually firing (spec.md §4.4).
const DefaultCoalesceDelay = 2 * time.Second

// Reloader coalesces reload requests against the routing daemon's control
// socket into one reload per quiescent window.
type Reloader struct {
	socket        string
	coalesceDelay time.Duration
	logger        *slog.Logger

	requestCh chan struct{}
	forceCh   chan chan error
	doneCh    chan struct{}
}

// New constructs a Reloader. Call Run in its own goroutine before issuing
// any Reload/ReloadNow calls.
func New(socket string, coalesceDelay time.Duration, logger *slog.Logger) *Reloader {
	if coalesceDelay <= 0 {
		coalesceDelay = DefaultCoalesceDelay
	}
	return &Reloader{
		socket:        socket,
		coalesceDelay: coalesceDelay,
		logger:        logger,
		requestCh:     make(chan struct{}, 1),
		forceCh:       make(chan chan error),
		doneCh:        make(chan struct{}),
	}
}

// Reload schedules a single pending reload coalesceDelay in the future. A
// call before the timer fires resets the timer; only one reload fires per
// quiescent interval. Non-blocking.
func (r *Reloader) Reload() {
	select {
	case r.requestCh <- struct{}{}:
	default:
		// A request is already pending; the run loop will still reset its
		// timer because it drains requestCh on every iteration of its
		// select below.
	}
}

// ReloadNow cancels any pending timer and runs a reload synchronously,
// returning its result. Reserved for shutdown and operator-forced reloads.
func (r *Reloader) ReloadNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.forceCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the Reloader's single long-lived activity: one select reading
// either a reload request (which (re)arms the timer) or the timer firing
// (which runs the reload), or a forced reload. It returns when ctx is
// canceled, after flushing a final ReloadNow per spec.md §5's shutdown
// sequence.
func (r *Reloader) Run(ctx context.Context) {
	defer close(r.doneCh)

	var timer *time.Timer
	var timerCh <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerCh = nil
		}
	}

	for {
		select {
		case <-r.requestCh:
			stopTimer()
			timer = time.NewTimer(r.coalesceDelay)
			timerCh = timer.C

		case <-timerCh:
			stopTimer()
			if err := r.configure(ctx); err != nil {
				r.logger.Error("routing daemon reload failed", "error", err)
				metrics.ReloadsTotal.WithLabelValues(metrics.StatusError).Inc()
			} else {
				r.logger.Info("routing daemon reloaded")
				metrics.ReloadsTotal.WithLabelValues(metrics.StatusSuccess).Inc()
			}

		case reply := <-r.forceCh:
			stopTimer()
			err := r.configure(ctx)
			if err != nil {
				metrics.ReloadsTotal.WithLabelValues(metrics.StatusError).Inc()
			} else {
				metrics.ReloadsTotal.WithLabelValues(metrics.StatusSuccess).Inc()
			}
			reply <- err

		case <-ctx.Done():
			stopTimer()
			_ = r.configure(context.Background())
			return
		}
	}
}

// Wait blocks until Run has returned.
func (r *Reloader) Wait() { <-r.doneCh }

func (r *Reloader) configure(ctx context.Context) error {
	resp, err := r.execute(ctx, "configure")
	if err != nil {
		return fmt.Errorf("routingd: configure: %w", err)
	}
	if isErrorResponse(resp) {
		return fmt.Errorf("routingd: configure rejected: %s", strings.TrimSpace(resp))
	}
	return nil
}

// ShowProtocols returns raw `show protocols` output for status parsing.
func (r *Reloader) ShowProtocols(ctx context.Context) (string, error) {
	return r.execute(ctx, "show protocols")
}

// DisableProtocol takes a BGP protocol down by name, the first step of the
// operator API's peer restart sequence (spec.md §4.10(ii): "BGP down ->
// tunnel down -> tunnel up -> BGP up").
func (r *Reloader) DisableProtocol(ctx context.Context, name string) error {
	resp, err := r.execute(ctx, "disable "+name)
	if err != nil {
		return fmt.Errorf("routingd: disable %s: %w", name, err)
	}
	if isErrorResponse(resp) {
		return fmt.Errorf("routingd: disable %s rejected: %s", name, strings.TrimSpace(resp))
	}
	return nil
}

// EnableProtocol brings a BGP protocol back up by name, the last step of
// the restart sequence.
func (r *Reloader) EnableProtocol(ctx context.Context, name string) error {
	resp, err := r.execute(ctx, "enable "+name)
	if err != nil {
		return fmt.Errorf("routingd: enable %s: %w", name, err)
	}
	if isErrorResponse(resp) {
		return fmt.Errorf("routingd: enable %s rejected: %s", name, strings.TrimSpace(resp))
	}
	return nil
}

func (r *Reloader) execute(ctx context.Context, cmd string) (string, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", r.socket)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", r.socket, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	reader := bufio.NewReader(conn)
	if _, err := readResponse(reader); err != nil { // welcome banner
		return "", fmt.Errorf("read welcome: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		return "", fmt.Errorf("send %q: %w", cmd, err)
	}
	return readResponse(reader)
}

// readResponse reads until a line whose first four bytes are digits
// followed by a space, the daemon's reply terminator.
func readResponse(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		b.WriteString(line)
		if len(line) >= 5 && isStatusLine(line) {
			break
		}
	}
	return b.String(), nil
}

func isStatusLine(line string) bool {
	for i := 0; i < 4; i++ {
		if line[i] < '0' || line[i] > '9' {
			return false
		}
	}
	return line[4] == ' '
}

// isErrorResponse treats 8xxx (runtime error) and 9xxx (parse error) codes
// as failures; everything else (info/success/restart codes) is accepted.
func isErrorResponse(resp string) bool {
	for _, line := range strings.Split(resp, "\n") {
		if len(line) >= 4 && (line[0] == '8' || line[0] == '9') {
			return true
		}
	}
	return false
}
