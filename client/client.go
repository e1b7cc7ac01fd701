// Package client talks to the activation daemon over HTTP. Managed servers use
// it to register themselves; resolvers and admin tools use it to locate,
// activate and manage servers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tomyedwab/orbd/bootstrap"
	"github.com/tomyedwab/orbd/processes"
	"github.com/tomyedwab/orbd/rpc"
	"github.com/tomyedwab/orbd/types"
)

// Client is a daemon API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// ClientOption represents a functional option for configuring the Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithActivationToken sets the token sent with registration calls. Spawned
// servers find it in ORBD_ACTIVATION_TOKEN.
func WithActivationToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a client for the daemon at baseURL, e.g.
// "http://localhost:1049".
func NewClient(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, option := range options {
		option(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// do sends body as JSON and decodes a 2xx response into out when out is not
// nil. Other responses become errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func serverPath(serverID types.ServerID, suffix string) string {
	return fmt.Sprintf("/activation/servers/%d/%s", serverID, suffix)
}

func (c *Client) Activate(ctx context.Context, serverID types.ServerID) error {
	return c.do(ctx, http.MethodPost, serverPath(serverID, "activate"), nil, nil)
}

// Active announces that the server is ready. callbackURL is where the daemon
// sends shutdown, install and uninstall requests; it may be empty.
func (c *Client) Active(ctx context.Context, serverID types.ServerID, callbackURL string) error {
	return c.do(ctx, http.MethodPost, serverPath(serverID, "active"), rpc.ActiveRequest{CallbackURL: callbackURL}, nil)
}

func (c *Client) RegisterEndpoints(ctx context.Context, serverID types.ServerID, orbID types.ORBID, endpoints []types.EndPointInfo) error {
	return c.do(ctx, http.MethodPost, serverPath(serverID, "endpoints"), rpc.EndpointsRequest{ORBID: orbID, Endpoints: endpoints}, nil)
}

func (c *Client) LocateServer(ctx context.Context, serverID types.ServerID, endpointType string) (types.ServerLocation, error) {
	var location types.ServerLocation
	path := serverPath(serverID, "location") + "?type=" + url.QueryEscape(endpointType)
	err := c.do(ctx, http.MethodGet, path, nil, &location)
	return location, err
}

func (c *Client) LocateServerForORB(ctx context.Context, serverID types.ServerID, orbID types.ORBID) (types.ServerLocationPerORB, error) {
	var location types.ServerLocationPerORB
	path := serverPath(serverID, "orbs/"+url.PathEscape(string(orbID))+"/location")
	err := c.do(ctx, http.MethodGet, path, nil, &location)
	return location, err
}

func (c *Client) GetORBNames(ctx context.Context, serverID types.ServerID) ([]types.ORBID, error) {
	var names []types.ORBID
	err := c.do(ctx, http.MethodGet, serverPath(serverID, "orbs"), nil, &names)
	return names, err
}

func (c *Client) GetServerPortForType(ctx context.Context, serverID types.ServerID, endpointType string) (int, error) {
	var port rpc.PortResponse
	path := serverPath(serverID, "port") + "?type=" + url.QueryEscape(endpointType)
	err := c.do(ctx, http.MethodGet, path, nil, &port)
	return port.Port, err
}

func (c *Client) Shutdown(ctx context.Context, serverID types.ServerID) error {
	return c.do(ctx, http.MethodPost, serverPath(serverID, "shutdown"), nil, nil)
}

func (c *Client) Install(ctx context.Context, serverID types.ServerID) error {
	return c.do(ctx, http.MethodPost, serverPath(serverID, "install"), nil, nil)
}

func (c *Client) Uninstall(ctx context.Context, serverID types.ServerID) error {
	return c.do(ctx, http.MethodPost, serverPath(serverID, "uninstall"), nil, nil)
}

// Logs returns the captured output of serverID newer than sinceID.
func (c *Client) Logs(ctx context.Context, serverID types.ServerID, sinceID int64) ([]processes.LogEntry, error) {
	var entries []processes.LogEntry
	path := serverPath(serverID, "logs")
	if sinceID > 0 {
		path += fmt.Sprintf("?since=%d", sinceID)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &entries)
	return entries, err
}

func (c *Client) GetActiveServers(ctx context.Context) ([]types.ServerID, error) {
	var ids []types.ServerID
	err := c.do(ctx, http.MethodGet, "/activation/servers", nil, &ids)
	return ids, err
}

// GetEndpoint returns the daemon's own port for endpointType.
func (c *Client) GetEndpoint(ctx context.Context, endpointType string) (int, error) {
	var port rpc.PortResponse
	err := c.do(ctx, http.MethodGet, "/activation/endpoints/"+url.PathEscape(endpointType), nil, &port)
	return port.Port, err
}

func (c *Client) RegisterServer(ctx context.Context, def types.ServerDef) (types.ServerID, error) {
	var resp rpc.RegisterServerResponse
	err := c.do(ctx, http.MethodPost, "/repository/servers", rpc.RegisterServerRequest{Def: def}, &resp)
	return resp.ServerID, err
}

func (c *Client) RegisterServerWithID(ctx context.Context, serverID types.ServerID, def types.ServerDef) error {
	return c.do(ctx, http.MethodPost, "/repository/servers", rpc.RegisterServerRequest{ServerID: serverID, Def: def}, nil)
}

func (c *Client) GetServer(ctx context.Context, serverID types.ServerID) (types.ServerDef, error) {
	var def types.ServerDef
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repository/servers/%d", serverID), nil, &def)
	return def, err
}

func (c *Client) ListRegisteredServers(ctx context.Context) ([]types.ServerID, error) {
	var ids []types.ServerID
	err := c.do(ctx, http.MethodGet, "/repository/servers", nil, &ids)
	return ids, err
}

func (c *Client) UnregisterServer(ctx context.Context, serverID types.ServerID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/repository/servers/%d", serverID), nil, nil)
}

func (c *Client) GetApplicationNames(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, http.MethodGet, "/repository/applications", nil, &names)
	return names, err
}

func (c *Client) GetServerID(ctx context.Context, appName string) (types.ServerID, error) {
	var resp rpc.RegisterServerResponse
	err := c.do(ctx, http.MethodGet, "/repository/applications/"+url.PathEscape(appName), nil, &resp)
	return resp.ServerID, err
}

// BootstrapKeys lists the initial services the daemon knows about.
func (c *Client) BootstrapKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := c.do(ctx, http.MethodGet, "/bootstrap", nil, &keys)
	return keys, err
}

// ResolveInitial returns the reference bound to an initial-service key.
func (c *Client) ResolveInitial(ctx context.Context, key string) (string, error) {
	var entry bootstrap.Entry
	err := c.do(ctx, http.MethodGet, "/bootstrap/"+url.PathEscape(key), nil, &entry)
	return entry.Reference, err
}

// ResolveObject asks the daemon where the object named by key lives and
// returns the forwarded URL without following it.
func (c *Client) ResolveObject(ctx context.Context, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/objects/"+key, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	noFollow := *c.httpClient
	noFollow.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := noFollow.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		return "", errorFromResponse(resp)
	}
	return resp.Header.Get("Location"), nil
}
