package middleware

import (
	"net/http"
	"net/url"

	"github.com/zhouzirui/z-assistant/backend/pkg/utils"
)

// SameOrigin 拒绝跨站发起的写请求：这些请求会运行模型并改写会话记录。
// GET/HEAD 放行，websocket 握手由 Upgrader 自己校验 Origin。
func SameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if crossSite(r) {
			utils.RespondError(w, http.StatusForbidden, "cross-site request rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func crossSite(r *http.Request) bool {
	if site := r.Header.Get("Sec-Fetch-Site"); site != "" {
		return site == "cross-site" || site == "same-site"
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// 旧浏览器或非浏览器客户端
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return true
	}
	return u.Host != r.Host
}
