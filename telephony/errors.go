package telephony

import (
	"net/http"
	"strings"

	"github.com/goliatone/go-deadlines/core"
	goerrors "github.com/goliatone/go-errors"
)

func telephonyBadInput(message string, metadata map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// recipientError attaches the phone number to a provider failure while
// keeping the original classification.
func recipientError(source error, phone string, message string) error {
	metadata := map[string]any{"phone": strings.TrimSpace(phone)}
	var rich *goerrors.Error
	if goerrors.As(source, &rich) {
		category := rich.Category
		code := rich.Code
		textCode := rich.TextCode
		if code == 0 {
			code = core.HTTPStatus(category)
		}
		if textCode == "" {
			textCode = core.ErrorProviderFailed
		}
		for key, value := range rich.Metadata {
			if _, exists := metadata[key]; !exists {
				metadata[key] = value
			}
		}
		return goerrors.Wrap(source, category, message).
			WithCode(code).
			WithTextCode(textCode).
			WithMetadata(metadata)
	}
	return goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusBadGateway).
		WithTextCode(core.ErrorProviderFailed).
		WithMetadata(metadata)
}
