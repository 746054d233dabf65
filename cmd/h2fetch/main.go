// Command h2fetch fetches one or more https URLs over HTTP/2 and prints a
// JSON report per URL. It exists to exercise the engine end to end against
// real servers.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"example.com/h2engine/internal/config"
	"example.com/h2engine/internal/http2"
	"example.com/h2engine/internal/logger"
)

type fetchResult struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	BodyBytes  uint64            `json:"body_bytes"`
	BodySize   string            `json:"body_size"`
	Duration   string            `json:"duration"`
	Gzipped    bool              `json:"gzipped,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func main() {
	var (
		configPath = flag.String("config", "", "path to TOML config file")
		timeoutStr = flag.String("timeout", "", "per-request timeout, overrides config")
		insecure   = flag.Bool("insecure", false, "skip TLS certificate verification")
		logLevel   = flag.String("log-level", "", "trace|debug|info|warn|error, overrides config")
		maxBody    = flag.Int64("max-body", 0, "stop reading each body after this many bytes, 0 = unlimited")
	)
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: h2fetch [flags] URL [URL...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "h2fetch: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *timeoutStr != "" {
		cfg.RequestTimeout = *timeoutStr
	}
	if *insecure {
		cfg.InsecureSkipVerify = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "h2fetch: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		fmt.Fprintf(os.Stderr, "h2fetch: %v\n", err)
		os.Exit(1)
	}

	lg := logger.New(os.Stderr, cfg.LogLevel)
	client := http2.NewClient(http2.ClientOptions{
		TLSConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		Settings:  settingsFromConfig(cfg.HTTP2),
		Logger:    lg,
	})
	defer client.Close()

	urls := flag.Args()
	results := make([]fetchResult, len(urls))

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(8)
	for i, rawurl := range urls {
		g.Go(func() error {
			results[i] = fetchOne(ctx, client, rawurl, timeout, *maxBody)
			return nil
		})
	}
	_ = g.Wait()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	exitCode := 0
	for _, res := range results {
		if res.Error != "" {
			exitCode = 1
		}
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(os.Stderr, "h2fetch: encoding result: %v\n", err)
			os.Exit(1)
		}
	}
	os.Exit(exitCode)
}

func fetchOne(ctx context.Context, client *http2.Client, rawurl string, timeout time.Duration, maxBody int64) fetchResult {
	res := fetchResult{URL: rawurl}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := client.Get(ctx, rawurl)
	if err != nil {
		res.Error = err.Error()
		res.Duration = time.Since(start).String()
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.Status
	res.Headers = make(map[string]string, len(resp.Headers))
	for _, hf := range resp.Headers {
		res.Headers[hf.Name] = hf.Value
	}

	var body io.Reader = resp.Body
	if maxBody > 0 {
		body = io.LimitReader(body, maxBody)
	}
	if resp.Header("content-encoding") == "gzip" {
		gz, gzErr := gzip.NewReader(body)
		if gzErr != nil {
			res.Error = fmt.Sprintf("opening gzip body: %v", gzErr)
			res.Duration = time.Since(start).String()
			return res
		}
		defer gz.Close()
		body = gz
		res.Gzipped = true
	}

	n, err := io.Copy(io.Discard, body)
	res.Duration = time.Since(start).String()
	res.BodyBytes = uint64(n)
	res.BodySize = humanize.Bytes(uint64(n))
	if err != nil {
		res.Error = fmt.Sprintf("reading body: %v", err)
	}
	return res
}

// settingsFromConfig maps the optional TOML overrides onto SETTINGS ids.
func settingsFromConfig(hc config.HTTP2Settings) map[http2.SettingID]uint32 {
	out := make(map[http2.SettingID]uint32)
	if hc.HeaderTableSize != nil {
		out[http2.SettingHeaderTableSize] = *hc.HeaderTableSize
	}
	if hc.InitialWindowSize != nil {
		out[http2.SettingInitialWindowSize] = *hc.InitialWindowSize
	}
	if hc.MaxFrameSize != nil {
		out[http2.SettingMaxFrameSize] = *hc.MaxFrameSize
	}
	if hc.MaxConcurrentStreams != nil {
		out[http2.SettingMaxConcurrentStreams] = *hc.MaxConcurrentStreams
	}
	if hc.MaxHeaderListSize != nil {
		out[http2.SettingMaxHeaderListSize] = *hc.MaxHeaderListSize
	}
	return out
}
