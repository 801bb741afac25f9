package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/dws/internal/app/runtime"
	"github.com/R3E-Network/dws/internal/cli"
	"github.com/R3E-Network/dws/internal/config"
	apperrors "github.com/R3E-Network/dws/internal/errors"
	"github.com/R3E-Network/dws/internal/httputil"
	"github.com/R3E-Network/dws/internal/middleware"
	"github.com/R3E-Network/dws/internal/platform/migrations"
)

type usageError string

func (e usageError) Error() string { return string(e) }

func usagef(format string, args ...any) error {
	return usageError(fmt.Sprintf(format, args...))
}

type ctl struct {
	client     *httputil.Client
	server     string
	token      string
	query      string
	configPath string
	envFile    string
	timeout    time.Duration
	out        io.Writer
	printer    *cli.Printer
}

func (c *ctl) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "nodes":
		return c.nodes(ctx, args)
	case "stateful":
		return c.stateful(ctx, args)
	case "workers":
		return c.workers(ctx, args)
	case "dns":
		return c.dns(ctx, args)
	case "wait-leader":
		if len(args) != 1 {
			return usagef("wait-leader <name>")
		}
		return c.waitLeader(ctx, args[0])
	case "sweep":
		return c.emit(ctx, http.MethodPost, "/v1/sweep", nil)
	case "audit":
		path := "/v1/audit"
		if len(args) > 0 {
			path += "?limit=" + url.QueryEscape(args[0])
		}
		return c.emit(ctx, http.MethodGet, path, nil)
	case "migrate":
		return c.migrate(ctx, args)
	case "token":
		return c.issueToken(args)
	case "completion":
		if len(args) != 1 {
			return usagef("completion bash|zsh|fish")
		}
		return cli.GenerateCompletion(c.out, args[0])
	case "version":
		fmt.Fprintln(c.out, version)
		return nil
	default:
		return usagef("unknown command %q", cmd)
	}
}

// call performs a request and returns the raw JSON body. 204 yields nil.
func (c *ctl) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	resp, err := c.client.Do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, nil
	}
	var raw json.RawMessage
	if err := httputil.DecodeResponse(resp, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// emit prints the response, filtered through the -q gjson path when set.
func (c *ctl) emit(ctx context.Context, method, path string, body any) error {
	raw, err := c.call(ctx, method, path, body)
	if err != nil {
		return err
	}
	if raw == nil {
		c.printer.Success(method + " " + path)
		return nil
	}
	return c.print(raw)
}

func (c *ctl) print(raw []byte) error {
	if c.query != "" {
		res := gjson.GetBytes(raw, c.query)
		if !res.Exists() {
			return fmt.Errorf("path %q not found in response", c.query)
		}
		if res.IsObject() || res.IsArray() {
			raw = []byte(res.Raw)
		} else {
			_, err := fmt.Fprintln(c.out, res.String())
			return err
		}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := c.out.Write(buf.Bytes())
	return err
}

func (c *ctl) nodes(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usagef("nodes list|get|rm|down|unreachable")
	}
	switch args[0] {
	case "list":
		path := "/v1/nodes"
		if len(args) > 1 {
			path += "?all=true&capability=" + url.QueryEscape(args[1])
		}
		return c.emit(ctx, http.MethodGet, path, nil)
	case "get", "rm":
		if len(args) != 2 {
			return usagef("nodes %s <id>", args[0])
		}
		method := http.MethodGet
		if args[0] == "rm" {
			method = http.MethodDelete
		}
		return c.emit(ctx, method, "/v1/nodes/"+url.PathEscape(args[1]), nil)
	case "down", "unreachable":
		if len(args) < 3 {
			return usagef("nodes %s <id> <reason>", args[0])
		}
		reason := strings.Join(args[2:], " ")
		body := map[string]any{"healthy": false, "reason": reason}
		if args[0] == "unreachable" {
			body = map[string]any{"healthy": false, "unreachable": reason}
		}
		return c.emit(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(args[1])+"/health", body)
	}
	return usagef("unknown nodes command %q", args[0])
}

func (c *ctl) stateful(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usagef("stateful deploy|list|get|scale|rm")
	}
	switch args[0] {
	case "deploy":
		if len(args) < 5 {
			return usagef("stateful deploy <name> <capability> <replicas> <port> [consensus] [volume-gb]")
		}
		replicas, err := strconv.Atoi(args[3])
		if err != nil {
			return usagef("replicas must be an integer")
		}
		port, err := strconv.Atoi(args[4])
		if err != nil {
			return usagef("port must be an integer")
		}
		body := map[string]any{"name": args[1], "capability": args[2], "replicas": replicas, "port": port}
		if len(args) > 5 {
			body["consensus"] = args[5]
		}
		if len(args) > 6 {
			gb, err := strconv.ParseInt(args[6], 10, 64)
			if err != nil {
				return usagef("volume-gb must be an integer")
			}
			body["volume"] = map[string]any{"size_gb": gb}
		}
		return c.emit(ctx, http.MethodPost, "/v1/services/stateful", body)
	case "list":
		return c.emit(ctx, http.MethodGet, "/v1/services/stateful", nil)
	case "get", "rm":
		if len(args) != 2 {
			return usagef("stateful %s <id>", args[0])
		}
		method := http.MethodGet
		if args[0] == "rm" {
			method = http.MethodDelete
		}
		return c.emit(ctx, method, "/v1/services/stateful/"+url.PathEscape(args[1]), nil)
	case "scale":
		if len(args) != 3 {
			return usagef("stateful scale <id> <replicas>")
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return usagef("replicas must be an integer")
		}
		return c.emit(ctx, http.MethodPost, "/v1/services/stateful/"+url.PathEscape(args[1])+"/scale", map[string]int{"replicas": n})
	}
	return usagef("unknown stateful command %q", args[0])
}

func (c *ctl) workers(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usagef("workers deploy|list|get|scale|rm|catalogue")
	}
	switch args[0] {
	case "deploy":
		if len(args) < 3 {
			return usagef("workers deploy <type> <name> [concurrency] [region]")
		}
		body := map[string]any{"type": args[1], "name": args[2]}
		if len(args) > 3 {
			n, err := strconv.Atoi(args[3])
			if err != nil {
				return usagef("concurrency must be an integer")
			}
			body["concurrency"] = n
		}
		if len(args) > 4 {
			body["region"] = args[4]
		}
		return c.emit(ctx, http.MethodPost, "/v1/services/workers", body)
	case "list":
		path := "/v1/services/workers"
		if len(args) > 1 {
			path += "?type=" + url.QueryEscape(args[1])
		}
		return c.emit(ctx, http.MethodGet, path, nil)
	case "catalogue":
		return c.emit(ctx, http.MethodGet, "/v1/services/workers/catalogue", nil)
	case "get", "rm":
		if len(args) != 2 {
			return usagef("workers %s <id>", args[0])
		}
		method := http.MethodGet
		if args[0] == "rm" {
			method = http.MethodDelete
		}
		return c.emit(ctx, method, "/v1/services/workers/"+url.PathEscape(args[1]), nil)
	case "scale":
		if len(args) != 3 {
			return usagef("workers scale <id> <concurrency>")
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return usagef("concurrency must be an integer")
		}
		return c.emit(ctx, http.MethodPost, "/v1/services/workers/"+url.PathEscape(args[1])+"/scale", map[string]int{"concurrency": n})
	}
	return usagef("unknown workers command %q", args[0])
}

func (c *ctl) dns(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usagef("dns query|resolve|records|watch")
	}
	switch args[0] {
	case "query":
		if len(args) < 2 {
			return usagef("dns query <name> [type]")
		}
		qt := "A"
		if len(args) > 2 {
			qt = args[2]
		}
		return c.emit(ctx, http.MethodGet, "/v1/dns?name="+url.QueryEscape(args[1])+"&type="+url.QueryEscape(qt), nil)
	case "resolve":
		if len(args) < 2 {
			return usagef("dns resolve <name> [strategy]")
		}
		path := "/v1/dns/resolve?name=" + url.QueryEscape(args[1])
		if len(args) > 2 {
			path += "&strategy=" + url.QueryEscape(args[2])
		}
		return c.emit(ctx, http.MethodGet, path, nil)
	case "records":
		return c.emit(ctx, http.MethodGet, "/v1/dns/records?all=true", nil)
	case "watch":
		return c.watch(ctx)
	}
	return usagef("unknown dns command %q", args[0])
}

// watch prints discovery events until ctx is done or the server closes.
func (c *ctl) watch(ctx context.Context) error {
	u, err := url.Parse(c.server)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/dns/watch"

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return httputil.DecodeResponse(resp, nil)
		}
		return fmt.Errorf("connect %s: %w", u.String(), err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if err := c.print(msg); err != nil {
			return err
		}
	}
}

// waitLeader polls the resolver until name has a healthy leader.
func (c *ctl) waitLeader(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	spinner := cli.NewSpinner(c.printer, "waiting for leader of "+name)
	spinner.Start()
	start := time.Now()
	path := "/v1/dns/resolve?leader=true&name=" + url.QueryEscape(name)
	for {
		raw, err := c.call(ctx, http.MethodGet, path, nil)
		if err == nil {
			spinner.Success(fmt.Sprintf("leader ready after %s", cli.FormatDuration(time.Since(start))))
			return c.print(raw)
		}
		var apiErr *httputil.APIError
		if !apperrors.As(err, &apiErr) || !apiErr.Retryable {
			spinner.Error(err.Error())
			return err
		}
		spinner.SetSuffix(apiErr.Code)
		select {
		case <-ctx.Done():
			spinner.Error("timed out")
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (c *ctl) migrate(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usagef("migrate up|down <steps>|version")
	}
	cfg, err := config.Load(c.configPath, c.envFile)
	if err != nil {
		return err
	}
	db, err := runtime.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	switch args[0] {
	case "up":
		if err := migrations.Up(db); err != nil {
			return err
		}
		c.printer.Success("schema is up to date")
	case "down":
		if len(args) != 2 {
			return usagef("migrate down <steps>")
		}
		steps, err := strconv.Atoi(args[1])
		if err != nil {
			return usagef("steps must be an integer")
		}
		if err := migrations.Down(db, steps); err != nil {
			return err
		}
		c.printer.Success(fmt.Sprintf("rolled back %d version(s)", steps))
	case "version":
		v, dirty, err := migrations.Version(db)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "version %d dirty=%t\n", v, dirty)
	default:
		return usagef("unknown migrate command %q", args[0])
	}
	return nil
}

func (c *ctl) issueToken(args []string) error {
	if len(args) < 2 {
		return usagef("token <subject> <role> [ttl]")
	}
	ttl := 24 * time.Hour
	if len(args) > 2 {
		d, err := time.ParseDuration(args[2])
		if err != nil {
			return usagef("ttl must be a duration")
		}
		ttl = d
	}
	switch args[1] {
	case middleware.RoleAdmin, middleware.RoleAgent, middleware.RoleReader:
	default:
		return usagef("role must be %s, %s or %s", middleware.RoleAdmin, middleware.RoleAgent, middleware.RoleReader)
	}
	cfg, err := config.Load(c.configPath, c.envFile)
	if err != nil {
		return err
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	tok, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, args[0], args[1], ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, tok)
	return err
}
