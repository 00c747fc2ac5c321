package services

import (
	"context"

	"grokghibli/tokens"
)

// TransformJob is one image-to-image request for the inference backend
type TransformJob struct {
	Image       []byte
	Filename    string
	ContentType string
	Prompt      string
	Height      int
	Width       int
	Seed        int
	ControlType string
}

// TransformResult is the generated image returned by the backend
type TransformResult struct {
	Image       []byte
	ContentType string
	URL         string
}

// InferenceBackend defines the interface for the quota-limited image backend.
// Every call is authenticated with the given credential.
type InferenceBackend interface {
	Transform(ctx context.Context, tok tokens.Token, job TransformJob) (*TransformResult, error)
	Health(ctx context.Context) error
}

// Compile-time interface verification
var _ InferenceBackend = (*GradioService)(nil)
