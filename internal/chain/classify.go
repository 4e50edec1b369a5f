package chain

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Classify maps an RPC or transport error onto the execution error taxonomy.
// Node implementations word their errors differently, so message matching is
// used as a fallback after typed checks.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.KindNone
	}

	var ee *domain.ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindSubmissionTimeout
	}
	if errors.Is(err, context.Canceled) {
		return domain.KindCancelled
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return domain.KindRPCRateLimited
		case httpErr.StatusCode >= 500:
			return domain.KindSubmissionTimeout
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.KindSubmissionTimeout
	}

	if kind := domain.KindOf(err); kind != domain.KindUnknown {
		return kind
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"):
		return domain.KindNonceTooLow
	case strings.Contains(msg, "insufficient funds"):
		return domain.KindInsufficientBalance
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "reverted"):
		return domain.KindTransactionReverted
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return domain.KindRPCRateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"), strings.Contains(msg, "no such host"):
		return domain.KindSubmissionTimeout
	}
	return domain.KindUnknown
}

// isAlreadyKnown reports whether a node rejected a send because it already
// holds the identical transaction.
func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// shouldFailover reports whether a call that failed with err may be repeated
// against the next endpoint.
func shouldFailover(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	switch Classify(err) {
	case domain.KindSubmissionTimeout, domain.KindRPCRateLimited, domain.KindUnknown:
		return true
	default:
		return false
	}
}

// RevertReason extracts the revert string from an eth_call error. Nodes that
// return ABI-encoded Error(string) data are decoded; otherwise the text after
// "execution reverted: " is used.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	if _, after, ok := strings.Cut(msg, "execution reverted: "); ok {
		return after
	}
	return msg
}
