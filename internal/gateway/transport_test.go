package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	recerrors "golang-reconciliation-service/pkg/errors"
	"golang-reconciliation-service/pkg/logger"
)

const intResponse = `<?xml version="1.0"?>
<methodResponse><params><param><value><int>%d</int></value></param></params></methodResponse>`

const falseResponse = `<?xml version="1.0"?>
<methodResponse><params><param><value><boolean>0</boolean></value></param></params></methodResponse>`

const faultResponse = `<?xml version="1.0"?>
<methodResponse><fault><value><struct>
<member><name>faultCode</name><value><int>2</int></value></member>
<member><name>faultString</name><value><string>%s</string></value></member>
</struct></value></fault></methodResponse>`

func xmlrpcServer(t *testing.T, handler func(path, body string) (int, string)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		status, payload := handler(r.URL.Path, string(body))
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestXMLRPCTransportServiceURL(t *testing.T) {
	transport := NewXMLRPCTransport("https://erp.example.com/", 0)
	if got := transport.ServiceURL(ServiceObject); got != "https://erp.example.com/xmlrpc/2/object" {
		t.Errorf("unexpected service url %q", got)
	}
}

func TestXMLRPCTransportSurfacesStatusCode(t *testing.T) {
	server := xmlrpcServer(t, func(string, string) (int, string) {
		return http.StatusTooManyRequests, "slow down"
	})

	transport := NewXMLRPCTransport(server.URL, time.Second)
	defer transport.Close()

	_, err := transport.Call(ServiceCommon, "version")
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
	if perr.Code != http.StatusTooManyRequests {
		t.Errorf("expected code 429, got %d", perr.Code)
	}
	if !IsRateLimited(err) {
		t.Error("expected error to be rate limited")
	}
}

func TestXMLRPCTransportFault(t *testing.T) {
	server := xmlrpcServer(t, func(string, string) (int, string) {
		return http.StatusOK, fmt.Sprintf(faultResponse, "Entries are already reconciled.")
	})

	transport := NewXMLRPCTransport(server.URL, time.Second)
	defer transport.Close()

	_, err := transport.Call(ServiceObject, "execute_kw", "prod", int64(2), "secret",
		ModelMoveLine, MethodReconcile, []interface{}{[]interface{}{int64(1), int64(2)}}, map[string]interface{}{})

	var fault *RemoteFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected *RemoteFault, got %T: %v", err, err)
	}
	if !strings.Contains(fault.Message, "already reconciled") {
		t.Errorf("expected fault message to be kept, got %q", fault.Message)
	}
	if !IsAlreadyReconciled(err) {
		t.Error("expected fault to be recognised as already reconciled")
	}
}

func TestAuthenticateOverXMLRPC(t *testing.T) {
	var hits int32
	server := xmlrpcServer(t, func(path, body string) (int, string) {
		if path != "/xmlrpc/2/common" {
			t.Errorf("unexpected path %q", path)
		}
		if !strings.Contains(body, "<methodName>authenticate</methodName>") {
			t.Errorf("unexpected request body %s", body)
		}
		if atomic.AddInt32(&hits, 1) == 1 {
			return http.StatusTooManyRequests, ""
		}
		return http.StatusOK, fmt.Sprintf(intResponse, 7)
	})

	sleeper := &sleepRecorder{}
	gw := New(Options{Timeout: time.Second, Sleep: sleeper.sleep, Logger: logger.Discard()})

	session, err := gw.Authenticate(context.Background(), Credentials{
		Endpoint: server.URL, Database: "prod", Username: "bot", Password: "secret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer session.Close()

	if session.UID != 7 {
		t.Errorf("expected uid 7, got %d", session.UID)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expected 2 requests, got %d", hits)
	}
	if len(sleeper.delays) != 1 || sleeper.delays[0] != 2*time.Second {
		t.Errorf("expected one 2s wait, got %v", sleeper.delays)
	}
}

func TestAuthenticateRejectedOverXMLRPC(t *testing.T) {
	server := xmlrpcServer(t, func(string, string) (int, string) {
		return http.StatusOK, falseResponse
	})

	gw := New(Options{Timeout: time.Second, Logger: logger.Discard()})
	_, err := gw.Authenticate(context.Background(), Credentials{
		Endpoint: server.URL, Database: "prod", Username: "bot", Password: "wrong",
	})

	rerr, ok := recerrors.AsReconcilerError(err)
	if !ok {
		t.Fatalf("expected ReconcilerError, got %T: %v", err, err)
	}
	if rerr.Category != recerrors.CategoryAuthentication || rerr.Code != recerrors.CodeNoSession {
		t.Errorf("unexpected error %s/%s", rerr.Category, rerr.Code)
	}
}
