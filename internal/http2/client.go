package http2

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"example.com/h2engine/internal/logger"
)

// alpnProtoH2 is the ALPN protocol id for HTTP/2 over TLS (RFC 7540, 3.3).
const alpnProtoH2 = "h2"

// Request describes one HTTP/2 request.
type Request struct {
	Method string
	URL    *url.URL
	// Headers holds additional non-pseudo header fields. Names are
	// lowercased before encoding.
	Headers []HeaderField
	// Body streams the request payload; nil means no body.
	Body io.Reader
}

// Response is the result of a completed request exchange. Body streams the
// response payload; it must be closed, which cancels the stream if the
// payload was not fully read.
type Response struct {
	Status   int
	Headers  []HeaderField
	Body     io.ReadCloser
	stream   *Stream
}

// Trailers returns the response trailer fields, valid once Body has returned
// io.EOF.
func (r *Response) Trailers() []HeaderField { return r.stream.Trailers() }

// Header returns the first value of the named response header, "" if absent.
func (r *Response) Header(name string) string {
	name = strings.ToLower(name)
	for _, hf := range r.Headers {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// TLSConfig is cloned per dial; NextProtos is forced to "h2".
	TLSConfig *tls.Config
	// Settings overrides the values advertised in the initial SETTINGS.
	Settings map[SettingID]uint32
	Logger   *logger.Logger
}

// Client issues requests over HTTP/2 connections, one per authority, reused
// across requests. Safe for concurrent use.
type Client struct {
	opts ClientOptions
	log  *logger.Logger

	mu    sync.Mutex
	conns map[string]*Connection // keyed by authority
}

// NewClient returns a Client with the given options.
func NewClient(opts ClientOptions) *Client {
	lg := opts.Logger
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Client{
		opts:  opts,
		log:   lg,
		conns: make(map[string]*Connection),
	}
}

// Get issues a GET request for rawurl.
func (c *Client) Get(ctx context.Context, rawurl string) (*Response, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", rawurl, err)
	}
	return c.Do(ctx, &Request{Method: "GET", URL: u})
}

// Do issues req and waits for the response header block. The response body
// streams as DATA frames arrive.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("request has no URL")
	}
	if req.URL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q, only https is dialed", req.URL.Scheme)
	}
	authority := req.URL.Host
	if req.URL.Port() == "" {
		authority = net.JoinHostPort(req.URL.Hostname(), "443")
	}

	conn, err := c.connFor(ctx, authority)
	if err != nil {
		return nil, err
	}

	fields, err := requestFields(req, authority)
	if err != nil {
		return nil, err
	}
	endStream := req.Body == nil
	s, err := conn.OpenStream(fields, endStream)
	if err != nil {
		return nil, err
	}
	c.log.Debug("request opened", logger.LogFields{
		"stream_id": s.ID(),
		"method":    req.Method,
		"path":      fields[3].Value,
		"authority": authority,
	})

	if req.Body != nil {
		if err := sendBody(s, req.Body); err != nil {
			_ = s.Reset(ErrCodeCancel)
			return nil, fmt.Errorf("sending request body: %w", err)
		}
	}

	hdrs, err := s.WaitHeaders(ctx)
	if err != nil {
		_ = s.Reset(ErrCodeCancel)
		return nil, err
	}
	resp := &Response{Headers: hdrs, stream: s}
	resp.Body = &streamBody{s: s}
	for _, hf := range hdrs {
		if hf.Name == ":status" {
			status, convErr := strconv.Atoi(hf.Value)
			if convErr != nil {
				_ = s.Reset(ErrCodeProtocolError)
				return nil, fmt.Errorf("malformed :status %q", hf.Value)
			}
			resp.Status = status
		}
	}
	if resp.Status == 0 {
		_ = s.Reset(ErrCodeProtocolError)
		return nil, fmt.Errorf("response missing :status pseudo-header")
	}
	return resp, nil
}

// Ping checks liveness of the connection to authority, dialing if needed.
func (c *Client) Ping(ctx context.Context, authority string) error {
	conn, err := c.connFor(ctx, authority)
	if err != nil {
		return err
	}
	return conn.Ping(ctx)
}

// Close shuts down every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.conns = make(map[string]*Connection)
	c.mu.Unlock()
	for _, conn := range conns {
		_ = conn.GoAway(ErrCodeNoError)
		_ = conn.Close()
	}
	return nil
}

// connFor returns the pooled connection for authority, dialing and performing
// the settings exchange on first use.
func (c *Client) connFor(ctx context.Context, authority string) (*Connection, error) {
	c.mu.Lock()
	if conn, ok := c.conns[authority]; ok {
		select {
		case <-conn.Done():
			delete(c.conns, authority)
		default:
			c.mu.Unlock()
			return conn, nil
		}
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, authority)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if existing, ok := c.conns[authority]; ok {
		// Lost the dial race; keep the established one.
		c.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	c.conns[authority] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) dial(ctx context.Context, authority string) (*Connection, error) {
	tlsConf := c.opts.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{alpnProtoH2}
	if tlsConf.ServerName == "" {
		host, _, err := net.SplitHostPort(authority)
		if err != nil {
			host = authority
		}
		tlsConf.ServerName = host
	}

	d := &tls.Dialer{Config: tlsConf}
	nc, err := d.DialContext(ctx, "tcp", authority)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", authority, err)
	}
	tc := nc.(*tls.Conn)
	if proto := tc.ConnectionState().NegotiatedProtocol; proto != alpnProtoH2 {
		_ = tc.Close()
		return nil, fmt.Errorf("server at %s negotiated %q, not %q", authority, proto, alpnProtoH2)
	}

	conn := NewConnection(tc, true, Options{Settings: c.opts.Settings, Logger: c.log})
	if err := conn.Start(); err != nil {
		_ = tc.Close()
		return nil, err
	}
	if err := conn.Ready(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("settings exchange with %s: %w", authority, err)
	}
	c.log.Info("connection established", logger.LogFields{"authority": authority})
	return conn, nil
}

// requestFields builds the header list: pseudo-headers first, in the fixed
// order :method, :scheme, :authority, :path, then regular fields lowercased.
func requestFields(req *Request, authority string) ([]HeaderField, error) {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	path := req.URL.RequestURI()
	if path == "" {
		path = "/"
	}
	fields := []HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: path},
	}
	for _, hf := range req.Headers {
		name := strings.ToLower(hf.Name)
		if strings.HasPrefix(name, ":") {
			return nil, fmt.Errorf("header list may not carry pseudo-header %q", hf.Name)
		}
		// Connection-specific headers do not exist in HTTP/2 (RFC 7540, 8.1.2.2).
		switch name {
		case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		}
		fields = append(fields, HeaderField{Name: name, Value: hf.Value})
	}
	return fields, nil
}

// sendBody streams body as DATA frames, half-closing after the final chunk.
func sendBody(s *Stream, body io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := s.WriteData(buf[:n], false); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return s.CloseLocal()
		}
		if err != nil {
			return err
		}
	}
}

// streamBody adapts a Stream's receive side to io.ReadCloser. Close cancels
// the stream unless it already finished.
type streamBody struct {
	s    *Stream
	once sync.Once
}

func (b *streamBody) Read(p []byte) (int, error) { return b.s.Read(p) }

func (b *streamBody) Close() error {
	var err error
	b.once.Do(func() {
		select {
		case <-b.s.Done():
		default:
			err = b.s.Reset(ErrCodeCancel)
		}
	})
	return err
}
