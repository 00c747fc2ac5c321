package main

import (
	"os"
	"strings"
	"time"

	"grokghibli/e2e/mocks"
	"grokghibli/observability"
)

// startMockSpace starts the fake Gradio space and applies the failure modes
// requested through the environment:
//
//	E2E_SPACE_DELAY        how long each prediction takes (e.g. "2s")
//	E2E_QUOTA_TOKENS       comma-separated tokens that always hit the GPU quota
//	E2E_SPACE_ERROR        error message sent for every prediction
func startMockSpace() *mocks.MockServer {
	space := mocks.NewMockServer()

	if raw := os.Getenv("E2E_SPACE_DELAY"); raw != "" {
		delay, err := time.ParseDuration(raw)
		if err != nil {
			observability.Warn("ignoring invalid E2E_SPACE_DELAY", "value", raw, "error", err)
		} else {
			space.SetDelay(delay)
		}
	}

	for _, token := range strings.Split(os.Getenv("E2E_QUOTA_TOKENS"), ",") {
		if token = strings.TrimSpace(token); token != "" {
			space.SetQuotaExceeded(token, true)
		}
	}

	if msg := os.Getenv("E2E_SPACE_ERROR"); msg != "" {
		space.SetErrorMessage(msg)
	}

	return space
}
