package upstream

import (
	"fmt"
	"net/http"
	"strings"
)

// FailureClass classifies why an attempt failed. The classes form a bit set
// so a Conf can list which of them move on to the next peer.
type FailureClass uint32

const (
	FailError FailureClass = 1 << iota
	FailTimeout
	FailInvalidHeader
	FailHTTP500
	FailHTTP502
	FailHTTP503
	FailHTTP504
	FailHTTP404
	// FailNoLive means the policy had no peer to offer.
	FailNoLive
)

// DefaultNextUpstream retries connection errors and timeouts.
const DefaultNextUpstream = FailError | FailTimeout

var failureNames = []struct {
	class FailureClass
	name  string
}{
	{FailError, "error"},
	{FailTimeout, "timeout"},
	{FailInvalidHeader, "invalid_header"},
	{FailHTTP500, "http_500"},
	{FailHTTP502, "http_502"},
	{FailHTTP503, "http_503"},
	{FailHTTP504, "http_504"},
	{FailHTTP404, "http_404"},
	{FailNoLive, "nolive"},
}

func (f FailureClass) String() string {
	if f == 0 {
		return ""
	}
	var names []string
	for _, fn := range failureNames {
		if f&fn.class != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}

// Status is the response status a request gets when its last attempt failed
// with f.
func (f FailureClass) Status() int {
	switch f {
	case FailTimeout:
		return http.StatusGatewayTimeout
	case FailHTTP500:
		return http.StatusInternalServerError
	case FailHTTP503:
		return http.StatusServiceUnavailable
	case FailHTTP504:
		return http.StatusGatewayTimeout
	case FailHTTP404:
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

// ParseNextUpstream turns configuration names into a mask. "off" alone
// disables retries.
func ParseNextUpstream(names []string) (FailureClass, error) {
	var mask FailureClass

	for _, name := range names {
		if name == "off" {
			if len(names) > 1 {
				return 0, fmt.Errorf("next upstream %q cannot be combined", name)
			}
			return 0, nil
		}

		found := false
		for _, fn := range failureNames {
			if fn.name == name && fn.class != FailNoLive {
				mask |= fn.class
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown next upstream %q", name)
		}
	}

	return mask, nil
}

func statusFailure(status int) FailureClass {
	switch status {
	case http.StatusInternalServerError:
		return FailHTTP500
	case http.StatusBadGateway:
		return FailHTTP502
	case http.StatusServiceUnavailable:
		return FailHTTP503
	case http.StatusGatewayTimeout:
		return FailHTTP504
	case http.StatusNotFound:
		return FailHTTP404
	}
	return 0
}
