// ABOUTME: Offline provider that answers from the retrieved context with a fixed template
// ABOUTME: Default backend; keeps the service usable without API credentials

package llm

import "context"

// TemplateProvider replies "Generated response based on: <context>".
type TemplateProvider struct{}

// NewTemplateProvider returns the offline provider.
func NewTemplateProvider() *TemplateProvider { return &TemplateProvider{} }

func (*TemplateProvider) Name() string  { return ProviderTemplate }
func (*TemplateProvider) Model() string { return "template" }

// Complete never fails.
func (*TemplateProvider) Complete(_ context.Context, req Request) (string, error) {
	return "Generated response based on: " + req.Context, nil
}

var _ Provider = (*TemplateProvider)(nil)
