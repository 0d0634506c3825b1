// Package middleware содержит HTTP middleware для сервиса фулфилмента.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

// SignatureHeader — заголовок с HMAC-подписью тела вебхука.
const SignatureHeader = "X-Webhook-Signature"

// SignatureVerifier выполняет проверку HMAC-SHA256 подписи тела входящих вебхуков.
type SignatureVerifier struct {
	secretKey []byte
}

// NewSignatureVerifier создаёт новый экземпляр SignatureVerifier с указанным
// секретным ключом. Пустой ключ отключает проверку подписи.
func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{secretKey: []byte(secret)}
}

// Middleware проверяет подпись тела запроса и отклоняет запросы с неверной
// подписью. Тело запроса после проверки доступно обработчику целиком.
func (v *SignatureVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(v.secretKey) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		got := r.Header.Get(SignatureHeader)
		want := v.Sign(body)
		if got == "" || !hmac.Equal([]byte(got), []byte(want)) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Sign возвращает hex-представление HMAC-SHA256 подписи тела.
func (v *SignatureVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
