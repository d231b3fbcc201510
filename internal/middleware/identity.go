package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Identity кладёт user_id из заголовка X-User-Id в контекст. Заголовок
// проставляет доверенный шлюз после аутентификации; напрямую сервис наружу
// не экспонируется. Без заголовка запрос получает 401.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if userID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
