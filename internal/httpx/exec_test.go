package httpx

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matst80/proxyagent/internal/obs"
	"github.com/matst80/proxyagent/internal/proto"
	"github.com/matst80/proxyagent/internal/telemetry"
)

func init() { obs.SetOutput(io.Discard) }

func TestExecuteStripsProxyAuthorization(t *testing.T) {
	seen := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "short and stout")
	}))
	defer srv.Close()

	var c telemetry.Counter
	e := NewExecutor(&c, DefaultExecConfig())
	resp := e.Execute(context.Background(), proto.HTTPRequest{
		Method: "GET",
		URL:    srv.URL + "/pot",
		Headers: map[string][]string{
			"proxy-authorization": {"Basic secret"},
			"X-Test":              {"1"},
		},
	})
	h := <-seen
	if h.Get("Proxy-Authorization") != "" {
		t.Fatal("Proxy-Authorization forwarded")
	}
	if h.Get("X-Test") != "1" {
		t.Fatalf("X-Test = %q", h.Get("X-Test"))
	}
	if resp.Status != http.StatusTeapot || resp.Body != "short and stout" {
		t.Fatalf("resp = %+v", resp)
	}
	if got := http.Header(resp.Headers).Get("X-Reply"); got != "yes" {
		t.Fatalf("X-Reply = %q", got)
	}
	if c.Snapshot().BytesTransferred != int64(len("short and stout")) {
		t.Fatalf("bytes = %d", c.Snapshot().BytesTransferred)
	}
}

func TestExecuteBodyAndContentType(t *testing.T) {
	type seenReq struct {
		method, ctype, body, host string
		length                    int64
	}
	seen := make(chan seenReq, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen <- seenReq{r.Method, r.Header.Get("Content-Type"), string(b), r.Host, r.ContentLength}
	}))
	defer srv.Close()
	e := NewExecutor(nil, DefaultExecConfig())

	cases := []struct {
		name  string
		req   proto.HTTPRequest
		ctype string
		host  string
	}{
		{"default type", proto.HTTPRequest{Method: "POST", URL: srv.URL, Body: "hello"}, "text/plain", ""},
		{"given type", proto.HTTPRequest{Method: "PUT", URL: srv.URL, Body: "{}", Headers: map[string][]string{"Content-Type": {"application/json"}}}, "application/json", ""},
		{"no body", proto.HTTPRequest{Method: "DELETE", URL: srv.URL}, "", ""},
		{"host override", proto.HTTPRequest{URL: srv.URL, Headers: map[string][]string{"Host": {"example.test"}}}, "", "example.test"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.Execute(context.Background(), tc.req)
			if resp.Status != http.StatusOK {
				t.Fatalf("status = %d body=%s", resp.Status, resp.Body)
			}
			got := <-seen
			want := tc.req.Method
			if want == "" {
				want = "GET"
			}
			if got.method != want || got.body != tc.req.Body || got.ctype != tc.ctype {
				t.Fatalf("seen = %+v", got)
			}
			if tc.req.Body == "" && got.length != 0 {
				t.Fatalf("content length = %d", got.length)
			}
			if tc.host != "" && got.host != tc.host {
				t.Fatalf("host = %q", got.host)
			}
		})
	}
}

func TestExecuteFailureIs500(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	e := NewExecutor(nil, DefaultExecConfig())
	cases := []struct {
		name  string
		url   string
		class string
	}{
		{"refused", "http://" + addr + "/", "refused"},
		{"invalid", "::not a url", "invalid"},
		{"scheme", "ftp://example.com/", "invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.Execute(context.Background(), proto.HTTPRequest{Method: "GET", URL: tc.url})
			if resp.Status != http.StatusInternalServerError {
				t.Fatalf("status = %d", resp.Status)
			}
			h := http.Header(resp.Headers)
			if h.Get("Content-Type") != "text/plain" || h.Get(ErrorHeader) != tc.class {
				t.Fatalf("headers = %v", resp.Headers)
			}
			if !strings.HasPrefix(resp.Body, "Proxy error: ") {
				t.Fatalf("body = %q", resp.Body)
			}
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	e := NewExecutor(nil, ExecConfig{ReadTimeout: 50 * time.Millisecond})
	resp := e.Execute(context.Background(), proto.HTTPRequest{URL: srv.URL})
	if resp.Status != http.StatusInternalServerError || http.Header(resp.Headers).Get(ErrorHeader) != "timeout" {
		t.Fatalf("resp = %+v", resp)
	}
}
