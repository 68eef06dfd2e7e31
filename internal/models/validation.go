package models

import (
	"errors"
	"unicode/utf8"
)

// MaxMessageLength ограничивает размер текста сообщения в байтах
const MaxMessageLength = 5000

var (
	ErrMessageEmpty   = errors.New("текст сообщения пуст")
	ErrMessageTooLong = errors.New("сообщение превышает допустимую длину")
	ErrMessageInvalid = errors.New("сообщение содержит недопустимые символы")
)

// ValidateMessage проверяет текст исходящего сообщения
func ValidateMessage(content string) error {
	if content == "" {
		return ErrMessageEmpty
	}
	if len(content) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if !utf8.ValidString(content) {
		return ErrMessageInvalid
	}
	return nil
}
