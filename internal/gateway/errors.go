package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"strings"

	"github.com/kolo/xmlrpc"

	recerrors "golang-reconciliation-service/pkg/errors"
)

// ProtocolError is a non-2xx HTTP answer from the accounting service. It keeps
// the status code so callers can tell a rate limit from any other failure.
type ProtocolError struct {
	URL    string
	Code   int
	Status string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s returned %s", e.URL, e.Status)
}

// RemoteFault is an XML-RPC fault raised by the remote service itself.
type RemoteFault struct {
	Code    int
	Message string
}

func (e *RemoteFault) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote fault %d: %s", e.Code, e.Message)
	}
	return "remote fault: " + e.Message
}

// IsRateLimited reports whether err is an HTTP 429 answer.
func IsRateLimited(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) && perr.Code == http.StatusTooManyRequests
}

var alreadyReconciledMarkers = []string{
	"already reconciled",
	"ya conciliad",
	"ya están conciliad",
	"ya estan conciliad",
}

// IsAlreadyReconciled reports whether err is the fault the service raises when
// asked to link entries that are already linked.
func IsAlreadyReconciled(err error) bool {
	var fault *RemoteFault
	if !errors.As(err, &fault) {
		return false
	}
	msg := strings.ToLower(fault.Message)
	for _, marker := range alreadyReconciledMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Classify maps an error returned by the gateway (or anything built on it) to
// an error category.
func Classify(err error) recerrors.ErrorCategory {
	if err == nil {
		return ""
	}

	var perr *ProtocolError
	if errors.As(err, &perr) {
		if perr.Code == http.StatusTooManyRequests {
			return recerrors.CategoryRateLimit
		}
		return recerrors.CategoryProtocol
	}

	if rerr, ok := recerrors.AsReconcilerError(err); ok {
		return rerr.Category
	}

	var fault *RemoteFault
	if errors.As(err, &fault) {
		return recerrors.CategoryRemote
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return recerrors.CategoryProtocol
	}

	return recerrors.CategoryInternal
}

// normalizeError turns the codec's fault representations into *RemoteFault,
// unwraps protocol errors and leaves everything else untouched.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	// http.Client wraps round-trip errors in *url.Error.
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr
	}

	var fault xmlrpc.FaultError
	if errors.As(err, &fault) {
		return &RemoteFault{Code: fault.Code, Message: fault.String}
	}

	var serverErr rpc.ServerError
	if errors.As(err, &serverErr) {
		return &RemoteFault{Message: string(serverErr)}
	}

	return err
}
