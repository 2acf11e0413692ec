package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/findertool/deployctl"
)

// Client talks to a running instance's control socket.
type Client struct {
	socket string
	http   *http.Client
}

// NewClient creates a client for the given socket path.
func NewClient(socket string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &Client{socket: socket, http: &http.Client{Transport: transport}}
}

// Available reports whether a running instance is serving the socket.
func (c *Client) Available(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", c.socket)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Deploy asks the running instance to release. The instance owns the
// managed processes, so the release restarts them in place rather than
// launching a second set.
func (c *Client) Deploy(ctx context.Context) (deployctl.ReleaseAttempt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://deployctl/deploy", nil)
	if err != nil {
		return deployctl.ReleaseAttempt{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return deployctl.ReleaseAttempt{}, fmt.Errorf("control socket %s: %w", c.socket, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var wire Attempt
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return deployctl.ReleaseAttempt{}, fmt.Errorf("failed to decode deploy response: %w", err)
	}

	attempt := wire.attempt()
	switch {
	case resp.StatusCode == http.StatusConflict:
		return attempt, fmt.Errorf("running instance: %w", deployctl.ErrReleaseInProgress)
	case resp.StatusCode != http.StatusOK:
		if attempt.Err != nil {
			return attempt, attempt.Err
		}
		return attempt, fmt.Errorf("deploy returned status %d", resp.StatusCode)
	}
	return attempt, nil
}

// Status fetches the managed process states from the running instance.
func (c *Client) Status(ctx context.Context) ([]deployctl.ServiceState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://deployctl/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control socket %s: %w", c.socket, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status returned %d", resp.StatusCode)
	}

	var wire []ProcessState
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	states := make([]deployctl.ServiceState, 0, len(wire))
	for _, p := range wire {
		states = append(states, deployctl.ServiceState{
			Name:         p.Name,
			PID:          p.PID,
			Status:       deployctl.ProcessStatus(p.Status),
			RestartCount: p.RestartCount,
			LastHealthAt: p.LastHealthAt,
		})
	}
	return states, nil
}
