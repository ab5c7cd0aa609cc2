package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"edgegate/internal/observability"
)

// NewUpstream builds the handler admitted requests are forwarded to. An
// empty target keeps the gateway runnable standalone: forwarded requests
// answer 502 until UPSTREAM_URL is configured.
func NewUpstream(target string) (http.Handler, error) {
	if target == "" {
		return http.HandlerFunc(noUpstream), nil
	}

	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", target)
	}

	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.Transport = &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Set("X-Forwarded-Host", req.Host)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		// Client went away mid-request; nothing left to answer
		if errors.Is(err, context.Canceled) {
			observability.UpstreamErrors.WithLabelValues("canceled").Inc()
			return
		}

		status := http.StatusBadGateway
		kind := "other"
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			status = http.StatusGatewayTimeout
			kind = "timeout"
		}

		observability.UpstreamErrors.WithLabelValues(kind).Inc()
		slog.Error("upstream proxy error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, `{"success": false, "error": "Upstream unavailable"}`)
	}

	return proxy, nil
}

func noUpstream(w http.ResponseWriter, r *http.Request) {
	observability.UpstreamErrors.WithLabelValues("unconfigured").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprint(w, `{"success": false, "error": "Upstream not configured"}`)
}
