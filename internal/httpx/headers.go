// Package httpx parses proxy requests on the relay side and executes relayed
// HTTP exchanges on the agent side.
package httpx

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/matst80/proxyagent/internal/proto"
)

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// ProxyHeaders is a parsed representation of an HTTP request start-line + headers.
type ProxyHeaders struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
	// RawBodyStart holds any bytes read that belong to the body (if header terminator encountered early)
	RawBodyStart []byte
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *ProxyHeaders) Get(name string) string {
	lname := strings.ToLower(name)
	for _, h := range p.Headers {
		if strings.ToLower(h.Name) == lname {
			return h.Value
		}
	}
	return ""
}

// Set sets (replaces) a header (case of Name preserved as provided).
func (p *ProxyHeaders) Set(name, value string) {
	lname := strings.ToLower(name)
	for i, h := range p.Headers {
		if strings.ToLower(h.Name) == lname {
			p.Headers[i].Value = value
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Del deletes all headers with given name (case-insensitive).
func (p *ProxyHeaders) Del(name string) {
	lname := strings.ToLower(name)
	out := p.Headers[:0]
	for _, h := range p.Headers {
		if strings.ToLower(h.Name) != lname {
			out = append(out, h)
		}
	}
	p.Headers = out
}

// ParseRequest reads from r until complete HTTP headers are obtained or size limit exceeded.
// Supports partial reads from an existing prebuffer (prefill). Returns ProxyHeaders and raw header bytes length.
func ParseRequest(r *bufio.Reader, max int, prefill []byte) (*ProxyHeaders, int, error) {
	buf := append([]byte{}, prefill...)
	for {
		if hasHeaderEnd(buf) {
			break
		}
		if len(buf) > max {
			return nil, 0, fmt.Errorf("header too large (%d>%d)", len(buf), max)
		}
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			buf = append(buf, line...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, err
		}
	}
	p, err := parseBuffer(buf)
	if err != nil {
		return nil, 0, err
	}
	return p, len(buf), nil
}

func hasHeaderEnd(b []byte) bool {
	return bytes.Contains(b, []byte("\r\n\r\n")) || bytes.Contains(b, []byte("\n\n"))
}

func parseBuffer(buf []byte) (*ProxyHeaders, error) {
	// Split header and possible early body start
	var headerPart, bodyStart []byte
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx != -1 {
		headerPart = buf[:idx+4]
		bodyStart = buf[idx+4:]
	} else if idx := bytes.Index(buf, []byte("\n\n")); idx != -1 {
		headerPart = buf[:idx+2]
		bodyStart = buf[idx+2:]
	} else {
		headerPart = buf
	}
	reader := bufio.NewReader(bytes.NewReader(headerPart))
	reqLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	reqLine = strings.TrimRight(reqLine, "\r\n")
	parts := strings.Split(reqLine, " ")
	if len(parts) < 3 {
		return nil, fmt.Errorf("bad request line: %q", reqLine)
	}
	ph := &ProxyHeaders{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || len(line) == 0 {
				break
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // skip malformed
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		ph.Headers = append(ph.Headers, Header{Name: name, Value: value})
	}
	if len(bodyStart) > 0 {
		ph.RawBodyStart = append([]byte{}, bodyStart...)
	}
	return ph, nil
}

// URL returns the absolute request URL. Proxy clients send absolute-form
// URIs; origin-form URIs are completed from the Host header.
func (p *ProxyHeaders) URL() (string, error) {
	if strings.HasPrefix(p.URI, "http://") || strings.HasPrefix(p.URI, "https://") {
		return p.URI, nil
	}
	host := p.Get("Host")
	if host == "" || !strings.HasPrefix(p.URI, "/") {
		return "", fmt.Errorf("cannot build url from %q", p.URI)
	}
	return "http://" + host + p.URI, nil
}

// ToRequest converts the parsed head plus its full body into a REQUEST
// descriptor. Hop-by-hop proxy headers stay behind; Proxy-Authorization is
// kept so the agent side owns stripping it.
func (p *ProxyHeaders) ToRequest(body []byte) (proto.HTTPRequest, error) {
	u, err := p.URL()
	if err != nil {
		return proto.HTTPRequest{}, err
	}
	headers := make(map[string][]string, len(p.Headers))
	for _, h := range p.Headers {
		switch strings.ToLower(h.Name) {
		case "proxy-connection", "connection", "keep-alive", "te", "trailer", "transfer-encoding", "upgrade":
			continue
		}
		headers[h.Name] = append(headers[h.Name], h.Value)
	}
	return proto.HTTPRequest{Method: p.Method, URL: u, Headers: headers, Body: string(body)}, nil
}

// ContentLength returns the declared body length, 0 when absent.
func (p *ProxyHeaders) ContentLength() (int64, error) {
	v := p.Get("Content-Length")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad content-length %q", v)
	}
	return n, nil
}

// ProxyCredentials decodes a Basic Proxy-Authorization header.
func (p *ProxyHeaders) ProxyCredentials() (user, pass string, ok bool) {
	v := p.Get("Proxy-Authorization")
	const prefix = "basic "
	if len(v) < len(prefix) || strings.ToLower(v[:len(prefix)]) != prefix {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(raw), ":")
	return user, pass, ok
}

// AugmentXFF appends / sets X-Forwarded-For using clientIP.
func (p *ProxyHeaders) AugmentXFF(clientIP string) {
	if clientIP == "" {
		return
	}
	lname := "x-forwarded-for"
	for i, h := range p.Headers {
		if strings.ToLower(h.Name) == lname {
			p.Headers[i].Value = h.Value + ", " + clientIP
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: "X-Forwarded-For", Value: clientIP})
}

// WriteResponse serializes a RESPONSE descriptor as an HTTP/1.1 message.
// Framing headers from the origin are replaced by an exact Content-Length.
func WriteResponse(w io.Writer, r proto.HTTPResponse) (int64, error) {
	var b bytes.Buffer
	status := r.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for name, values := range r.Headers {
		switch strings.ToLower(name) {
		case "content-length", "transfer-encoding", "connection":
			continue
		}
		for _, v := range values {
			b.WriteString(name + ": " + v + "\r\n")
		}
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\nConnection: close\r\n\r\n", len(r.Body))
	b.WriteString(r.Body)
	return b.WriteTo(w)
}

// WriteStatus writes a bodyless status line, used for proxy-level answers.
func WriteStatus(w io.Writer, status int, extra ...Header) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for _, h := range extra {
		b.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	if status != http.StatusOK {
		b.WriteString("Content-Length: 0\r\n")
	}
	b.WriteString("\r\n")
	_, err := b.WriteTo(w)
	return err
}

// RemoteIPFromConn extracts IP portion from remote address.
func RemoteIPFromConn(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
