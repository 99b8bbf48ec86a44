package gateway

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kolo/xmlrpc"
)

const (
	ServiceCommon = "common"
	ServiceObject = "object"
)

// DefaultTimeout bounds the wait for response headers.
const DefaultTimeout = 60 * time.Second

// Transport performs one XML-RPC call against a named service of an endpoint.
type Transport interface {
	Call(service, method string, params ...interface{}) (interface{}, error)
	Close() error
}

// Dialer opens a transport for an endpoint URL.
type Dialer func(endpoint string) (Transport, error)

// XMLRPCTransport talks to <endpoint>/xmlrpc/2/<service>, one client per
// service, created on first use.
type XMLRPCTransport struct {
	endpoint  string
	transport http.RoundTripper

	mu      sync.Mutex
	clients map[string]*xmlrpc.Client
}

// NewXMLRPCTransport creates a transport for endpoint. A zero timeout leaves
// requests unbounded.
func NewXMLRPCTransport(endpoint string, timeout time.Duration) *XMLRPCTransport {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		base.ResponseHeaderTimeout = timeout
	}
	return &XMLRPCTransport{
		endpoint:  strings.TrimRight(endpoint, "/"),
		transport: &statusTransport{next: base},
		clients:   make(map[string]*xmlrpc.Client),
	}
}

// XMLRPCDialer returns a Dialer producing XMLRPCTransports.
func XMLRPCDialer(timeout time.Duration) Dialer {
	return func(endpoint string) (Transport, error) {
		if strings.TrimSpace(endpoint) == "" {
			return nil, fmt.Errorf("empty endpoint")
		}
		return NewXMLRPCTransport(endpoint, timeout), nil
	}
}

// ServiceURL returns the URL of an XML-RPC service on the endpoint.
func (t *XMLRPCTransport) ServiceURL(service string) string {
	return fmt.Sprintf("%s/xmlrpc/2/%s", t.endpoint, service)
}

func (t *XMLRPCTransport) Call(service, method string, params ...interface{}) (interface{}, error) {
	client, err := t.client(service)
	if err != nil {
		return nil, err
	}

	var reply interface{}
	if err := client.Call(method, params, &reply); err != nil {
		return nil, normalizeError(err)
	}
	return reply, nil
}

func (t *XMLRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var first error
	for service, client := range t.clients {
		if err := client.Close(); err != nil && first == nil {
			first = err
		}
		delete(t.clients, service)
	}
	return first
}

func (t *XMLRPCTransport) client(service string) (*xmlrpc.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if client, ok := t.clients[service]; ok {
		return client, nil
	}
	client, err := xmlrpc.NewClient(t.ServiceURL(service), t.transport)
	if err != nil {
		return nil, fmt.Errorf("create xmlrpc client for %s: %w", service, err)
	}
	t.clients[service] = client
	return client, nil
}

// statusTransport turns non-2xx responses into *ProtocolError so the status
// code reaches the caller instead of a flattened codec message.
type statusTransport struct {
	next http.RoundTripper
}

func (s *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := s.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return nil, &ProtocolError{
		URL:    req.URL.String(),
		Code:   resp.StatusCode,
		Status: resp.Status,
	}
}
