package apierror

import (
	"fmt"

	"github.com/marsnext/mars/pkg/models"
)

var providerNames = map[models.Provider]string{
	models.ProviderOpenAI:    "OpenAI",
	models.ProviderAnthropic: "Anthropic",
	models.ProviderGoogle:    "Google",
	models.ProviderXAI:       "xAI",
	models.ProviderDeepSeek:  "DeepSeek",
}

// ProviderName is the display name of a provider.
func ProviderName(p models.Provider) string {
	if n, ok := providerNames[p]; ok {
		return n
	}
	if p == "" {
		return "the provider"
	}
	return string(p)
}

// UserMessage maps a Kind to a fixed, non-technical sentence.
func UserMessage(kind Kind, provider models.Provider, model string) string {
	name := ProviderName(provider)
	if model == "" {
		model = "the selected model"
	}

	switch kind {
	case KindRateLimit:
		return fmt.Sprintf("%s is receiving too many requests right now. Please wait a moment and try again.", name)
	case KindQuotaExceeded:
		return fmt.Sprintf("The %s account has run out of quota. Please check the plan and billing details.", name)
	case KindInvalidAPIKey:
		return fmt.Sprintf("The API key for %s is missing or invalid. Please check the provider settings.", name)
	case KindModelUnavailable:
		return fmt.Sprintf("The model %s is currently unavailable on %s. Please try again later or choose another model.", model, name)
	case KindBadRequest:
		return fmt.Sprintf("%s could not process this request. Try a shorter message or fewer context documents.", name)
	case KindTimeout:
		return fmt.Sprintf("%s took too long to respond. Please try again.", name)
	case KindContentFilter:
		return fmt.Sprintf("%s declined to answer because the content was flagged by its safety filters.", name)
	default:
		return fmt.Sprintf("Something went wrong while contacting %s. Please try again.", name)
	}
}
