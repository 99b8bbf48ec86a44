// Package gateway is the client side of the remote accounting service: it
// authenticates, issues execute_kw calls through an explicit session handle
// and retries rate-limited calls with a linear backoff.
package gateway

import (
	"context"
	"strings"
	"time"

	"golang-reconciliation-service/internal/metrics"
	recerrors "golang-reconciliation-service/pkg/errors"
	"golang-reconciliation-service/pkg/logger"
)

// Credentials identify a user on one database of an accounting endpoint.
type Credentials struct {
	Endpoint string
	Database string
	Username string
	Password string
}

// Session is the handle returned by Authenticate and passed to every call.
type Session struct {
	Endpoint string
	Database string
	Username string
	UID      int64

	password  string
	transport Transport
}

// Close releases the session's transport.
func (s *Session) Close() error {
	if s == nil || s.transport == nil {
		return nil
	}
	return s.transport.Close()
}

// Options configures a Gateway. Zero values fall back to defaults.
type Options struct {
	Dialer      Dialer
	RetryPolicy *RetryPolicy
	Timeout     time.Duration
	Sleep       SleepFunc
	Logger      logger.Logger
	Metrics     *metrics.Metrics
}

// Gateway issues remote calls with the retry policy applied to every one.
type Gateway struct {
	dial    Dialer
	policy  RetryPolicy
	sleep   SleepFunc
	logger  logger.Logger
	metrics *metrics.Metrics
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	g := &Gateway{
		dial:    opts.Dialer,
		policy:  DefaultRetryPolicy(),
		sleep:   opts.Sleep,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if g.dial == nil {
		g.dial = XMLRPCDialer(opts.Timeout)
	}
	if opts.RetryPolicy != nil {
		g.policy = *opts.RetryPolicy
	}
	if g.sleep == nil {
		g.sleep = sleepContext
	}
	if g.logger == nil {
		g.logger = logger.GetGlobalLogger()
	}
	g.logger = g.logger.WithComponent("gateway")
	return g
}

// Policy returns the retry policy in use.
func (g *Gateway) Policy() RetryPolicy {
	return g.policy
}

// Authenticate logs in and returns a session. A reply of false or 0 means the
// service rejected the credentials.
func (g *Gateway) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	transport, err := g.dial(creds.Endpoint)
	if err != nil {
		return nil, recerrors.ConfigurationError(recerrors.CodeInvalidConfig, "url", creds.Endpoint, err)
	}

	g.metrics.ObserveCall(ServiceCommon, "authenticate")
	reply, err := g.withRetry(ctx, ServiceCommon, "authenticate", func() (interface{}, error) {
		return transport.Call(ServiceCommon, "authenticate",
			creds.Database, creds.Username, creds.Password, map[string]interface{}{})
	})
	if err != nil {
		transport.Close()
		g.metrics.ObserveCallError(string(Classify(err)))
		return nil, err
	}

	uid, ok := sessionUID(reply)
	if !ok {
		transport.Close()
		g.metrics.ObserveCallError(string(recerrors.CategoryAuthentication))
		return nil, recerrors.AuthenticationError(creds.Endpoint, creds.Database, creds.Username)
	}

	g.logger.WithFields(logger.Fields{
		"endpoint": creds.Endpoint,
		"database": creds.Database,
		"uid":      uid,
	}).Debug("authenticated")

	return &Session{
		Endpoint:  strings.TrimRight(creds.Endpoint, "/"),
		Database:  creds.Database,
		Username:  creds.Username,
		UID:       uid,
		password:  creds.Password,
		transport: transport,
	}, nil
}

// Call runs model.method through execute_kw. Errors come back unmodified.
func (g *Gateway) Call(ctx context.Context, session *Session, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if session == nil || session.transport == nil {
		return nil, recerrors.New(recerrors.CategoryAuthentication, recerrors.CodeNoSession,
			"remote call without an authenticated session")
	}
	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}

	g.metrics.ObserveCall(model, method)
	g.logger.WithFields(logger.Fields{
		"model":  model,
		"method": method,
	}).Debug("execute_kw")

	reply, err := g.withRetry(ctx, model, method, func() (interface{}, error) {
		return session.transport.Call(ServiceObject, "execute_kw",
			session.Database, session.UID, session.password, model, method, args, kwargs)
	})
	if err != nil {
		g.metrics.ObserveCallError(string(Classify(err)))
		return nil, err
	}
	return reply, nil
}

func sessionUID(reply interface{}) (int64, bool) {
	switch v := reply.(type) {
	case int64:
		return v, v > 0
	case int:
		return int64(v), v > 0
	case int32:
		return int64(v), v > 0
	default:
		return 0, false
	}
}
