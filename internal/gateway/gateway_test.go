package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	recerrors "golang-reconciliation-service/pkg/errors"
	"golang-reconciliation-service/pkg/logger"
)

type recordedCall struct {
	service string
	method  string
	params  []interface{}
}

type scriptedReply struct {
	result interface{}
	err    error
}

// scriptedTransport answers calls from a queue; once the queue is drained the
// last reply repeats.
type scriptedTransport struct {
	replies []scriptedReply
	calls   []recordedCall
	closed  bool
}

func (s *scriptedTransport) Call(service, method string, params ...interface{}) (interface{}, error) {
	s.calls = append(s.calls, recordedCall{service: service, method: method, params: params})
	if len(s.replies) == 0 {
		return nil, nil
	}
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return reply.result, reply.err
}

func (s *scriptedTransport) Close() error {
	s.closed = true
	return nil
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func rateLimited() error {
	return &ProtocolError{URL: "http://erp/xmlrpc/2/object", Code: http.StatusTooManyRequests, Status: "429 Too Many Requests"}
}

func newTestGateway(transport Transport, sleeper *sleepRecorder) *Gateway {
	return New(Options{
		Dialer: func(string) (Transport, error) { return transport, nil },
		Sleep:  sleeper.sleep,
		Logger: logger.Discard(),
	})
}

func testSession(transport Transport) *Session {
	return &Session{Endpoint: "http://erp", Database: "prod", Username: "bot", UID: 2, password: "secret", transport: transport}
}

func TestCallRetriesRateLimit(t *testing.T) {
	transport := &scriptedTransport{replies: []scriptedReply{
		{err: rateLimited()},
		{err: rateLimited()},
		{result: true},
	}}
	sleeper := &sleepRecorder{}
	gw := newTestGateway(transport, sleeper)

	result, err := gw.Call(context.Background(), testSession(transport), ModelMoveLine, MethodWrite, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != true {
		t.Errorf("expected true, got %v", result)
	}
	if len(transport.calls) != 3 {
		t.Errorf("expected 3 calls, got %d", len(transport.calls))
	}

	expected := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(sleeper.delays) != len(expected) {
		t.Fatalf("expected %d waits, got %v", len(expected), sleeper.delays)
	}
	for i, d := range expected {
		if sleeper.delays[i] != d {
			t.Errorf("wait %d: expected %s, got %s", i, d, sleeper.delays[i])
		}
	}
}

func TestCallGivesUpAfterMaxRetries(t *testing.T) {
	limit := rateLimited()
	transport := &scriptedTransport{replies: []scriptedReply{{err: limit}}}
	sleeper := &sleepRecorder{}
	gw := newTestGateway(transport, sleeper)

	_, err := gw.Call(context.Background(), testSession(transport), ModelMoveLine, MethodSearchRead, nil, nil)
	if err != limit {
		t.Errorf("expected the rate limit error unmodified, got %v", err)
	}
	if len(transport.calls) != 6 {
		t.Errorf("expected 6 calls (1 + 5 retries), got %d", len(transport.calls))
	}
	if len(sleeper.delays) != 5 {
		t.Fatalf("expected 5 waits, got %d", len(sleeper.delays))
	}
	if sleeper.delays[4] != 10*time.Second {
		t.Errorf("expected last wait 10s, got %s", sleeper.delays[4])
	}
	if Classify(err) != recerrors.CategoryRateLimit {
		t.Errorf("expected rate_limit category, got %s", Classify(err))
	}
}

func TestCallDoesNotRetryOtherErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category recerrors.ErrorCategory
	}{
		{"server error", &ProtocolError{URL: "x", Code: 500, Status: "500 Internal Server Error"}, recerrors.CategoryProtocol},
		{"remote fault", &RemoteFault{Code: 1, Message: "Access denied"}, recerrors.CategoryRemote},
		{"plain error", errors.New("connection reset"), recerrors.CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &scriptedTransport{replies: []scriptedReply{{err: tt.err}}}
			sleeper := &sleepRecorder{}
			gw := newTestGateway(transport, sleeper)

			_, err := gw.Call(context.Background(), testSession(transport), ModelMoveLine, MethodWrite, nil, nil)
			if err != tt.err {
				t.Errorf("expected error unmodified, got %v", err)
			}
			if len(transport.calls) != 1 {
				t.Errorf("expected 1 call, got %d", len(transport.calls))
			}
			if len(sleeper.delays) != 0 {
				t.Errorf("expected no waits, got %v", sleeper.delays)
			}
			if Classify(err) != tt.category {
				t.Errorf("expected category %s, got %s", tt.category, Classify(err))
			}
		})
	}
}

func TestCallStopsWhenContextCancelled(t *testing.T) {
	transport := &scriptedTransport{replies: []scriptedReply{{err: rateLimited()}}}
	sleeper := &sleepRecorder{}
	gw := newTestGateway(transport, sleeper)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Call(ctx, testSession(transport), ModelMoveLine, MethodWrite, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(transport.calls) != 1 {
		t.Errorf("expected 1 call, got %d", len(transport.calls))
	}
}

func TestCallParams(t *testing.T) {
	transport := &scriptedTransport{replies: []scriptedReply{{result: true}}}
	gw := newTestGateway(transport, &sleepRecorder{})

	args := []interface{}{[]interface{}{int64(5)}}
	if _, err := gw.Call(context.Background(), testSession(transport), ModelMoveLine, MethodReconcile, args, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	call := transport.calls[0]
	if call.service != ServiceObject || call.method != "execute_kw" {
		t.Errorf("expected object.execute_kw, got %s.%s", call.service, call.method)
	}
	if len(call.params) != 7 {
		t.Fatalf("expected 7 params, got %d", len(call.params))
	}
	if call.params[0] != "prod" || call.params[1] != int64(2) || call.params[2] != "secret" {
		t.Errorf("unexpected session params %v", call.params[:3])
	}
	if call.params[3] != ModelMoveLine || call.params[4] != MethodReconcile {
		t.Errorf("unexpected model/method %v %v", call.params[3], call.params[4])
	}
	if kwargs, ok := call.params[6].(map[string]interface{}); !ok || kwargs == nil {
		t.Errorf("expected empty kwargs map, got %#v", call.params[6])
	}
}

func TestCallWithoutSession(t *testing.T) {
	gw := newTestGateway(&scriptedTransport{}, &sleepRecorder{})

	_, err := gw.Call(context.Background(), nil, ModelMoveLine, MethodWrite, nil, nil)
	if Classify(err) != recerrors.CategoryAuthentication {
		t.Errorf("expected authentication category, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name        string
		replies     []scriptedReply
		expectUID   int64
		expectError recerrors.ErrorCategory
		expectCalls int
	}{
		{"valid uid", []scriptedReply{{result: int64(7)}}, 7, "", 1},
		{"rejected", []scriptedReply{{result: false}}, 0, recerrors.CategoryAuthentication, 1},
		{"zero uid", []scriptedReply{{result: int64(0)}}, 0, recerrors.CategoryAuthentication, 1},
		{"rate limited once", []scriptedReply{{err: rateLimited()}, {result: int64(9)}}, 9, "", 2},
		{"protocol error", []scriptedReply{{err: &ProtocolError{Code: 502, Status: "502 Bad Gateway"}}}, 0, recerrors.CategoryProtocol, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &scriptedTransport{replies: tt.replies}
			gw := newTestGateway(transport, &sleepRecorder{})

			session, err := gw.Authenticate(context.Background(), Credentials{
				Endpoint: "http://erp/", Database: "prod", Username: "bot", Password: "secret",
			})

			if len(transport.calls) != tt.expectCalls {
				t.Errorf("expected %d calls, got %d", tt.expectCalls, len(transport.calls))
			}
			if tt.expectError != "" {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if Classify(err) != tt.expectError {
					t.Errorf("expected category %s, got %s", tt.expectError, Classify(err))
				}
				if !transport.closed {
					t.Error("expected transport to be closed after a failed login")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if session.UID != tt.expectUID {
				t.Errorf("expected uid %d, got %d", tt.expectUID, session.UID)
			}
			if session.Endpoint != "http://erp" {
				t.Errorf("expected trimmed endpoint, got %q", session.Endpoint)
			}

			call := transport.calls[0]
			if call.service != ServiceCommon || call.method != "authenticate" {
				t.Errorf("expected common.authenticate, got %s.%s", call.service, call.method)
			}
		})
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := DefaultRetryPolicy()
	if policy.MaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", policy.MaxRetries)
	}
	for attempt, expected := range map[int]time.Duration{1: 2 * time.Second, 3: 6 * time.Second, 5: 10 * time.Second} {
		if got := policy.Delay(attempt); got != expected {
			t.Errorf("attempt %d: expected %s, got %s", attempt, expected, got)
		}
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIsAlreadyReconciled(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{&RemoteFault{Message: "Entries are already reconciled."}, true},
		{&RemoteFault{Message: "Los apuntes ya están conciliados"}, true},
		{&RemoteFault{Message: "Access denied"}, false},
		{errors.New("already reconciled"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsAlreadyReconciled(tt.err); got != tt.expected {
			t.Errorf("IsAlreadyReconciled(%v): expected %v, got %v", tt.err, tt.expected, got)
		}
	}
}
