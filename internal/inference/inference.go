// Package inference wraps the external content-generation service. The core
// treats it as an opaque, possibly slow, possibly failing remote dependency;
// any error it returns is retryable through the normal task policy.
package inference

import (
	"context"

	"mail-triage/internal/models"
)

// Classification is the structured result of classifying one conversation.
type Classification struct {
	Category   models.Category
	Confidence models.Confidence
	Rationale  string
	Locale     string
	Style      string
}

// ClassifyRequest carries the conversation content and account policy.
type ClassifyRequest struct {
	SenderEmail  string `json:"sender_email"`
	SenderName   string `json:"sender_name,omitempty"`
	Subject      string `json:"subject"`
	Snippet      string `json:"snippet,omitempty"`
	Body         string `json:"body"`
	MessageCount int    `json:"message_count"`
	Policy       string `json:"policy,omitempty"`
}

// DraftRequest carries everything needed to compose or rework a reply.
type DraftRequest struct {
	SenderEmail  string `json:"sender_email"`
	SenderName   string `json:"sender_name,omitempty"`
	Subject      string `json:"subject"`
	ThreadBody   string `json:"thread_body"`
	Style        string `json:"style,omitempty"`
	PriorDraft   string `json:"prior_draft,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	ReworkCount  int    `json:"rework_count,omitempty"`
}

// Service is the narrow request/response surface the task handlers call.
type Service interface {
	Classify(ctx context.Context, req ClassifyRequest) (*Classification, error)
	ComposeDraft(ctx context.Context, req DraftRequest) (string, error)
}
