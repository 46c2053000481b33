// Command rangedl-serve exposes the downloader over HTTP: GET /fetch
// streams the reassembled resource as it becomes available.
//
// This is a direct port of original_source/app/main.py's Flask /proxy
// route (hosts=..., split_size=..., etc. as query parameters, a streamed
// application/octet-stream response) onto the teacher's fasthttp stack
// instead of a WSGI server.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-rangedl/rangedl"
	"github.com/go-rangedl/rangedl/config"
	"github.com/go-rangedl/rangedl/internal/logging"
	"github.com/valyala/fasthttp"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("RANGEDL_ADDR"); v != "" {
		addr = v
	}

	log := logging.New()
	log.EnableVerbose()

	log.Infof("rangedl-serve listening on %s", addr)
	if err := fasthttp.ListenAndServe(addr, handler(log)); err != nil {
		fmt.Fprintln(os.Stderr, "rangedl-serve:", err)
		os.Exit(1)
	}
}

func handler(log *logging.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/fetch" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}

		cfg, err := parseQuery(ctx)
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString(err.Error())
			return
		}

		dl, err := rangedl.New(context.Background(), cfg.URLs, cfg, log)
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadGateway)
			ctx.SetBodyString(err.Error())
			return
		}
		dl.Run(context.Background())

		ctx.Response.Header.SetContentType("application/octet-stream")
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			for {
				data, err := dl.Next(ctx)
				if err != nil {
					log.Errorf("stream for %v failed: %v", cfg.URLs, err)
					return
				}
				if data == nil {
					return
				}
				if _, err := w.Write(data); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		})
	}
}

// parseQuery mirrors the Flask route's query-string contract: a
// comma-separated hosts list plus the same scheduler knobs, each optional
// and defaulted exactly as config.Default() documents.
func parseQuery(ctx *fasthttp.RequestCtx) (config.Config, error) {
	cfg := config.Default()

	hosts := string(ctx.QueryArgs().Peek("hosts"))
	if hosts == "" {
		return config.Config{}, fmt.Errorf("missing required query parameter: hosts")
	}
	cfg.URLs = strings.Split(hosts, ",")

	if v := ctx.QueryArgs().Peek("split_size"); len(v) > 0 {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid split_size: %w", err)
		}
		cfg.SplitSize = n
	}
	if v := ctx.QueryArgs().Peek("threshold"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid threshold: %w", err)
		}
		cfg.Threshold = n
	}
	if v := ctx.QueryArgs().Peek("initial_delay_coefficient"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid initial_delay_coefficient: %w", err)
		}
		cfg.InitialDelayCoefficient = n
	}
	if v := ctx.QueryArgs().Peek("duplicate_request"); len(v) > 0 {
		cfg.DuplicateRequest = string(v) == "true" || string(v) == "1"
	}
	if v := ctx.QueryArgs().Peek("allow_redirects"); len(v) > 0 {
		cfg.AllowRedirects = string(v) == "true" || string(v) == "1"
	}
	if v := ctx.QueryArgs().Peek("initial_delay_prediction"); len(v) > 0 {
		cfg.InitialDelayPrediction = string(v) == "true" || string(v) == "1"
	}

	return cfg, cfg.Validate()
}
