package tokens

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Token is a Hugging Face access token. Never log it directly, use Redacted.
type Token string

// Redacted returns a short prefix of the token followed by "..."
func (t Token) Redacted() string {
	s := string(t)
	if len(s) > 10 {
		return s[:10] + "..."
	}
	return s[:len(s)/2] + "..."
}

var (
	// ErrNoTokenAvailable is returned by Acquire when every token is busy, exhausted or over quota
	ErrNoTokenAvailable = errors.New("no token available")

	// ErrEmptyPool is returned when no usable tokens are configured
	ErrEmptyPool = errors.New("token pool is empty")
)

// usage tracks one token's daily consumption and availability
type usage struct {
	token          Token
	index          int
	minutesUsed    decimal.Decimal
	lastUsed       time.Time
	inUse          bool
	quotaExceeded  bool
	lastQuotaCheck time.Time
}

// Status is a redacted snapshot of one token
type Status struct {
	Token         string     `json:"token"`
	UsageMinutes  float64    `json:"usageMinutes"`
	Available     bool       `json:"available"`
	QuotaExceeded bool       `json:"quotaExceeded"`
	InUse         bool       `json:"inUse"`
	LastUsed      *time.Time `json:"lastUsed,omitempty"`
}

// Summary aggregates the pool for the status endpoint
type Summary struct {
	TotalTokens         int     `json:"totalTokens"`
	AvailableTokens     int     `json:"availableTokens"`
	UsedTokens          int     `json:"usedTokens"`
	TotalUsageMinutes   float64 `json:"totalUsageMinutes"`
	AverageUsageMinutes float64 `json:"averageUsageMinutes"`
}

var tenth = decimal.New(1, -1)

// MinutesForDuration converts backend time to billed minutes, rounded up to
// the next tenth of a minute. Zero or negative durations bill nothing.
func MinutesForDuration(d time.Duration) decimal.Decimal {
	if d <= 0 {
		return decimal.Zero
	}
	tenths := int64(math.Ceil(d.Seconds() / 6))
	return decimal.NewFromInt(tenths).Mul(tenth)
}
