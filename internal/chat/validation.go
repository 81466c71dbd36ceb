package chat

import (
	"errors"
	"strconv"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// DefaultMaxBodyLength bounds a message body in characters.
const DefaultMaxBodyLength = 1000

var (
	errBodyNotUTF8 = errors.New("body is not valid utf-8")
	bodyValidator  = validator.New(validator.WithRequiredStructEnabled())
)

// ValidateBody checks that body holds between 1 and maxLength characters.
func ValidateBody(body string, maxLength int) error {
	if maxLength <= 0 {
		maxLength = DefaultMaxBodyLength
	}
	if !utf8.ValidString(body) {
		return newError(opInbound, KindInvalidMessage, errBodyNotUTF8)
	}
	if err := bodyValidator.Var(body, "required,max="+strconv.Itoa(maxLength)); err != nil {
		return newError(opInbound, KindInvalidMessage, err)
	}
	return nil
}
