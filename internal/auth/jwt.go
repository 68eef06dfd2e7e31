package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken    = errors.New("токен не задан")
	ErrNoUserIDClaim = errors.New("в токене нет идентификатора пользователя")
)

// TokenSource выдает bearer-токен для рукопожатия сокета и REST-запросов.
// Получение и обновление токена - задача внешнего компонента.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken - TokenSource с неизменным токеном из конфигурации
type StaticToken string

// Token возвращает токен или ErrEmptyToken
func (t StaticToken) Token() (string, error) {
	tok := strings.TrimSpace(string(t))
	tok = strings.TrimPrefix(tok, "Bearer ")
	if tok == "" {
		return "", ErrEmptyToken
	}
	return tok, nil
}

// BearerHeader формирует значение заголовка Authorization
func BearerHeader(src TokenSource) (string, error) {
	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	return "Bearer " + tok, nil
}

// UserIDFromToken извлекает ID пользователя из claims без проверки подписи.
// Клиент не знает секрет сервера, поэтому токен только разбирается.
func UserIDFromToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrEmptyToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("ошибка разбора токена: %w", err)
	}

	// Сервер кладет идентификатор в user_id, стандартные токены - в sub
	switch v := claims["user_id"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return fmt.Sprintf("%.0f", v), nil
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", ErrNoUserIDClaim
}

// GenerateJWT создает HS256 токен с user_id (для локальной разработки и тестов)
func GenerateJWT(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("секрет для подписи не задан")
	}
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
