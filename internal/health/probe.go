package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
)

// NetProber checks surfaces over the network: an HTTP GET for web surfaces,
// a plain TCP connect for everything else.
type NetProber struct {
	client *http.Client
	dialer net.Dialer
}

func NewNetProber() *NetProber {
	return &NetProber{
		client: &http.Client{
			// Surfaces redirect to login pages; a redirect already proves
			// the listener is up.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *NetProber) Probe(ctx context.Context, t Target) error {
	if t.Mode == "tcp" {
		conn, err := p.dialer.DialContext(ctx, "tcp", t.Addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}

	path := t.Path
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+t.Addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("readiness %s returned %d", path, resp.StatusCode)
	}
	return nil
}
