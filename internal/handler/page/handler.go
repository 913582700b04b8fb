// Package page renders the chat page and handles session selection.
package page

import (
	"embed"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-assistant/backend/internal/middleware"
	"github.com/zhouzirui/z-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/z-assistant/backend/internal/service/assistant"
	"github.com/zhouzirui/z-assistant/backend/pkg/utils"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

var indexTmpl = template.Must(template.New("index.html").Funcs(template.FuncMap{
	"isHuman": func(m chat.Message) bool { return m.Type == chat.Human },
}).ParseFS(templateFS, "templates/index.html"))

// Handler 渲染聊天页面。
type Handler struct {
	driver *assistant.Driver
	title  string
}

// New creates the page handler.
func New(driver *assistant.Driver, title string) *Handler {
	if title == "" {
		title = "Local Voice Assistant"
	}
	return &Handler{driver: driver, title: title}
}

// RegisterRoutes 注册页面、会话切换与静态资源路由。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Post("/session", h.handleSelect)

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))
}

type viewData struct {
	Title        string
	Sessions     []string
	Current      string
	Messages     []chat.Message
	Notice       string
	AudioEnabled bool
	UploadAccept string
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	st := middleware.StateFrom(r.Context())
	if st == nil {
		utils.RespondError(w, http.StatusInternalServerError, "client state unavailable")
		return
	}

	sessions, err := h.driver.Sessions(r.Context())
	if err != nil {
		log.Printf("[page] failed to list sessions: %v", err)
		sessions = []string{chat.NewSessionKey}
	}

	key, msgs := st.Snapshot()
	data := viewData{
		Title:        h.title,
		Sessions:     sessions,
		Current:      key,
		Messages:     msgs,
		Notice:       r.URL.Query().Get("notice"),
		AudioEnabled: h.driver.AudioEnabled(),
		UploadAccept: ".wav,.mp3,.ogg",
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, data); err != nil {
		log.Printf("[page] render failed: %v", err)
	}
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	st := middleware.StateFrom(r.Context())
	if st == nil {
		utils.RespondError(w, http.StatusInternalServerError, "client state unavailable")
		return
	}

	key := r.FormValue("session")
	if key == "" {
		key = chat.NewSessionKey
	}
	if err := h.driver.Select(r.Context(), st, key); err != nil {
		log.Printf("[page] select %s failed: %v", key, err)
		Redirect(w, r, "Could not open that session.")
		return
	}
	Redirect(w, r, "")
}

// Redirect sends the browser back to the page, optionally with a notice.
func Redirect(w http.ResponseWriter, r *http.Request, notice string) {
	target := "/"
	if notice != "" {
		target += "?notice=" + url.QueryEscape(notice)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
