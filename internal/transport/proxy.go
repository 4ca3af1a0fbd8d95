package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

// dialViaProxy dials addr through proxyURL (socks5:// or http(s)://),
// returning a uTLS-wrapped connection. Honors HTTP_PROXY/HTTPS_PROXY when
// the caller passes config.Config.ProxyURL derived from those env vars
// (spec §6 Environment).
func dialViaProxy(ctx context.Context, proxyURL *url.URL, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	if proxyURL.Scheme == "socks5" || proxyURL.Scheme == "socks5h" {
		rawConn, err := dialSOCKS5(proxyURL, network, addr)
		if err != nil {
			return nil, err
		}
		return utlsHandshake(ctx, rawConn, host)
	}

	rawConn, err := dialHTTPConnect(ctx, proxyURL, addr)
	if err != nil {
		return nil, err
	}
	return utlsHandshake(ctx, rawConn, host)
}

func dialSOCKS5(proxyURL *url.URL, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		pass, _ := proxyURL.User.Password()
		auth = &proxy.Auth{User: proxyURL.User.Username(), Password: pass}
	}
	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("transport: socks5 dialer: %w", err)
	}
	conn, err := dialer.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: socks5 dial: %w", err)
	}
	return conn, nil
}

func dialHTTPConnect(ctx context.Context, proxyURL *url.URL, addr string) (net.Conn, error) {
	rawConn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("transport: proxy tcp dial: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if proxyURL.User != nil {
		pass, _ := proxyURL.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(proxyURL.User.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(rawConn); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("transport: CONNECT write: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(rawConn), req)
	if err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("transport: CONNECT read: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		rawConn.Close()
		return nil, fmt.Errorf("transport: CONNECT failed: %s", resp.Status)
	}
	return rawConn, nil
}
