package jsonrpc

import "strings"

// Dialect is the method prefix a client speaks.
type Dialect string

const (
	DialectIRN     Dialect = "irn"
	DialectWaku    Dialect = "waku"
	DialectIridium Dialect = "iridium"
)

// Method names without the dialect prefix.
const (
	MethodPublish            = "publish"
	MethodBatchPublish       = "batchPublish"
	MethodSubscribe          = "subscribe"
	MethodBatchSubscribe     = "batchSubscribe"
	MethodSubscription       = "subscription"
	MethodUnsubscribe        = "unsubscribe"
	MethodBatchUnsubscribe   = "batchUnsubscribe"
	MethodFetchMessages      = "fetchMessages"
	MethodBatchFetchMessages = "batchFetchMessages"
)

var dialects = map[string]Dialect{
	string(DialectIRN):     DialectIRN,
	string(DialectWaku):    DialectWaku,
	string(DialectIridium): DialectIridium,
}

// ParseMethod splits "irn_publish" into its dialect and name.
func ParseMethod(method string) (Dialect, string, bool) {
	prefix, name, ok := strings.Cut(method, "_")
	if !ok || name == "" {
		return "", "", false
	}
	d, ok := dialects[prefix]
	if !ok {
		return "", "", false
	}
	return d, name, true
}

// Method returns the fully qualified method for name in this dialect.
func (d Dialect) Method(name string) string {
	return string(d) + "_" + name
}

// Legacy reports whether subscriptions made in this dialect skip replay.
func (d Dialect) Legacy() bool {
	return d != DialectIRN
}
