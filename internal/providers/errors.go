package providers

import "strings"

// Vendor rate-limit phrasing, English and Chinese forms. A match means the
// account or IP is throttled and retrying inside the same window only burns
// quota.
var rateLimitPhrases = []string{
	"rate limit",
	"too many requests",
	"最多访问该接口",
	"每分钟最多",
	"每小时最多",
	"每天最多",
	"抱歉，您每分钟",
	"抱歉，您每小时",
	"抱歉，您每天",
}

// Transport failures where the remote tore down the connection. Retrying
// immediately tends to hit the same wall, so these skip the backoff loop.
var disconnectPhrases = []string{
	"remotedisconnected",
	"remote end closed",
	"connection aborted",
	"connection reset",
	"broken pipe",
	"forcibly closed",
}

// IsRateLimited reports whether err looks like vendor throttling.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), rateLimitPhrases)
}

// IsDisconnect reports whether err looks like the remote dropped the
// connection mid-exchange.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), disconnectPhrases)
}

// IsFastFail reports whether err should abort the retry loop immediately.
func IsFastFail(err error) bool {
	return IsRateLimited(err) || IsDisconnect(err)
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
