package tokens

import (
	"strings"

	"grokghibli/config"
	"grokghibli/observability"
)

const tokenPrefix = "hf_"

// Load collects tokens from HUGGING_FACE_TOKEN, HUGGING_FACE_TOKENS and
// HUGGING_FACE_TOKEN_1..N in that order. Values without the hf_ prefix are
// skipped; duplicates keep their first position.
func Load(cfg config.TokenConfig) ([]Token, error) {
	var raw []string
	raw = append(raw, cfg.Single)
	for _, entry := range cfg.List {
		raw = append(raw, strings.Split(entry, ",")...)
	}
	raw = append(raw, cfg.Indexed...)

	seen := make(map[Token]bool)
	var out []Token
	skipped := 0
	for _, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if !strings.HasPrefix(value, tokenPrefix) {
			skipped++
			continue
		}
		tok := Token(value)
		if seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}

	if skipped > 0 {
		observability.Warn("ignored configured tokens without hf_ prefix", "count", skipped)
	}
	if len(out) == 0 {
		return nil, ErrEmptyPool
	}
	return out, nil
}

// PolicyFromConfig builds the rotation policy from the pool configuration
func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		DailyLimitMinutes: cfg.Pool.DailyLimitMinutes,
		QuotaCooldown:     cfg.Pool.QuotaCooldown,
		ResetSchedule:     cfg.Pool.ResetSchedule,
		Location:          loc,
	}, nil
}
