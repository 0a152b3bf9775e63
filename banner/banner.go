package banner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPort    = 25
	DefaultTimeout = 10 * time.Second

	// MaxGreeting caps how much of the greeting is read while looking for
	// the end of the first line.
	MaxGreeting = 1024
)

const (
	CodeTimeout           = "TIMEOUT"
	CodeConnectionRefused = "CONNECTION_REFUSED"
	CodeHostNotFound      = "HOST_NOT_FOUND"
	CodeEmptyGreeting     = "EMPTY_GREETING"
	CodeConnectionFailed  = "CONNECTION_FAILED"
)

var ErrEmptyGreeting = errors.New("connection closed before greeting")

// ProbeError is returned for every failed probe.
type ProbeError struct {
	Host string
	Code string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

type Prober struct {
	port    int
	timeout time.Duration
}

func New(port int, timeout time.Duration) *Prober {
	if port <= 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Prober{
		port:    port,
		timeout: timeout,
	}
}

// Probe connects to the SMTP port of hostname and returns the first line the
// server sends, without the line terminator.
func (p *Prober) Probe(ctx context.Context, hostname string) (string, error) {
	dialer := &net.Dialer{
		Timeout: p.timeout,
	}

	addr := net.JoinHostPort(hostname, strconv.Itoa(p.port))

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", newProbeError(hostname, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	line, err := readGreeting(conn)
	if err != nil {
		return "", newProbeError(hostname, err)
	}

	logrus.Debugf("Hostname %s, remote %s, greeting after %s", hostname, conn.RemoteAddr(), time.Since(start))

	return line, nil
}

// readGreeting reads up to the first newline, or MaxGreeting bytes when the
// server sends no newline. Bytes received before an error still count.
func readGreeting(r io.Reader) (string, error) {
	br := bufio.NewReaderSize(r, MaxGreeting)

	line, err := br.ReadSlice('\n')
	if len(line) == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return "", ErrEmptyGreeting
		}

		return "", err
	}

	return strings.TrimRight(string(line), "\r\n"), nil
}

func newProbeError(hostname string, err error) *ProbeError {
	return &ProbeError{
		Host: hostname,
		Code: classify(err),
		Err:  err,
	}
}

func classify(err error) string {
	var netErr net.Error
	var dnsErr *net.DNSError

	switch {
	case errors.Is(err, ErrEmptyGreeting):
		return CodeEmptyGreeting
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return CodeTimeout
		}
		return CodeHostNotFound
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnectionRefused
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	default:
		return CodeConnectionFailed
	}
}
