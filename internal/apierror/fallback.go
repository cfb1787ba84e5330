package apierror

import (
	"fmt"

	"github.com/marsnext/mars/pkg/models"
)

// Target is a provider/model pair.
type Target struct {
	Provider models.Provider `json:"provider"`
	Model    string          `json:"model"`
}

func (t Target) String() string { return fmt.Sprintf("%s/%s", t.Provider, t.Model) }

// UniversalFallback is used when a model has no chain entry.
var UniversalFallback = Target{Provider: models.ProviderOpenAI, Model: "gpt-4o-mini"}

// fallbackChain points each model at a cheaper or alternate one.
var fallbackChain = map[Target]Target{
	{models.ProviderOpenAI, "gpt-4o"}:        {models.ProviderOpenAI, "gpt-4o-mini"},
	{models.ProviderOpenAI, "gpt-4-turbo"}:   {models.ProviderOpenAI, "gpt-4o-mini"},
	{models.ProviderOpenAI, "gpt-4"}:         {models.ProviderOpenAI, "gpt-4o-mini"},
	{models.ProviderOpenAI, "o1"}:            {models.ProviderOpenAI, "o1-mini"},
	{models.ProviderOpenAI, "gpt-4o-mini"}:   {models.ProviderAnthropic, "claude-3-5-haiku-latest"},
	{models.ProviderOpenAI, "gpt-3.5-turbo"}: {models.ProviderOpenAI, "gpt-4o-mini"},

	{models.ProviderAnthropic, "claude-3-opus-latest"}:     {models.ProviderAnthropic, "claude-3-5-sonnet-latest"},
	{models.ProviderAnthropic, "claude-3-5-sonnet-latest"}: {models.ProviderAnthropic, "claude-3-5-haiku-latest"},
	{models.ProviderAnthropic, "claude-3-7-sonnet-latest"}: {models.ProviderAnthropic, "claude-3-5-haiku-latest"},

	{models.ProviderGoogle, "gemini-1.5-pro"}:   {models.ProviderGoogle, "gemini-1.5-flash"},
	{models.ProviderGoogle, "gemini-2.0-flash"}: {models.ProviderGoogle, "gemini-1.5-flash"},

	{models.ProviderXAI, "grok-2"}:    {models.ProviderXAI, "grok-2-mini"},
	{models.ProviderXAI, "grok-beta"}: {models.ProviderXAI, "grok-2-mini"},

	{models.ProviderDeepSeek, "deepseek-reasoner"}: {models.ProviderDeepSeek, "deepseek-chat"},
}

// FallbackFor returns the fallback for provider/model. It reports false when
// the fallback would be the original model itself.
func FallbackFor(provider models.Provider, model string) (Target, bool) {
	orig := Target{Provider: provider, Model: model}
	fb, ok := fallbackChain[orig]
	if !ok {
		fb = UniversalFallback
	}
	if fb == orig {
		return Target{}, false
	}
	return fb, true
}
