package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"golang.org/x/net/proxy"
)

// NativeProber performs the probe request in-process through a SOCKS5
// dialer. Failures are rendered as diagnostic text so Classify treats them
// the same way it treats curl output.
type NativeProber struct {
	URL     string
	Timeout time.Duration
}

func (p NativeProber) Probe(ctx context.Context, addr string) Result {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: p.Timeout})
	if err != nil {
		return Result{Err: fmt.Errorf("socks5 dialer: %w", err)}
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return Result{Err: errors.New("socks5 dialer does not support contexts")}
	}
	client := &http.Client{
		Timeout: p.Timeout,
		Transport: &http.Transport{
			DialContext:       cd.DialContext,
			DisableKeepAlives: true,
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Result{Err: fmt.Errorf("probe request: %w", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		if diag, rejected := diagnose(err); rejected {
			return Result{Diagnostic: diag}
		}
		return Result{Err: fmt.Errorf("probe %s: %w", p.URL, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return Result{}
}

// diagnose maps proxy-level failures onto the rejection signatures. Other
// failures (timeouts, TLS, HTTP) are not evidence against the tunnel.
func diagnose(err error) (string, bool) {
	var (
		opErr  *net.OpError
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "", false
	case errors.Is(err, syscall.ECONNREFUSED):
		return "Connection refused: " + err.Error(), true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET):
		return "connection to proxy closed: " + err.Error(), true
	case errors.As(err, &opErr) && opErr.Op == "socks connect":
		// The proxy answered but refused the CONNECT.
		return "connection to proxy closed: " + err.Error(), true
	default:
		return "", false
	}
}
