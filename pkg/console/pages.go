package console

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/apperr"
	"github.com/milan604/rtl433dp-console/pkg/guard"
	"github.com/milan604/rtl433dp-console/pkg/permissions"
	"github.com/milan604/rtl433dp-console/pkg/response"
	"github.com/milan604/rtl433dp-console/pkg/session"
)

// pageDescriptor is what a page request gets when no UI bundle is configured.
type pageDescriptor struct {
	Page        string                   `json:"page"`
	Path        string                   `json:"path,omitempty"`
	Error       string                   `json:"error,omitempty"`
	LoginURL    string                   `json:"loginUrl,omitempty"`
	Menu        []guard.Entry            `json:"menu,omitempty"`
	Profile     *session.Profile         `json:"profile,omitempty"`
	Permissions []permissions.Definition `json:"permissions,omitempty"`
}

type page struct {
	id    string
	path  string
	anyOf []string
}

var pages = []page{
	{id: "known-devices", path: "/known-devices"},
	{id: "models", path: "/models", anyOf: []string{permissions.ModelList, permissions.ModelSearch}},
	{id: "recommendations", path: "/recommendations", anyOf: []string{permissions.RecommendationList}},
	{id: "profile", path: "/profile"},
}

func (cs *Console) registerPages(g *gin.RouterGroup) {
	g.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, cs.guard.LandingPath)
	})
	for _, p := range pages {
		handlers := []gin.HandlerFunc{}
		if len(p.anyOf) > 0 {
			handlers = append(handlers, guard.RequireAnyPermission(cs.guard, p.anyOf...))
		}
		handlers = append(handlers, cs.pageHandler(p))
		g.GET(p.path, handlers...)
	}
}

func (cs *Console) pageHandler(p page) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := mustSession(c).Store.Snapshot()
		d := pageDescriptor{
			Page: p.id,
			Path: p.path,
			Menu: cs.menu.Visible(st.Permissions),
		}
		if p.id == "profile" {
			d.Profile = st.Profile
			d.Permissions = cs.catalog.Describe(st.Permissions)
		}
		cs.servePage(c, d)
	}
}

// servePage answers with the UI's index.html, or with d when no UI is configured.
func (cs *Console) servePage(c *gin.Context, d pageDescriptor) {
	c.Header("Cache-Control", "no-store")
	if cs.uiDir != "" && !guard.WantsJSON(c) {
		c.File(filepath.Join(cs.uiDir, "index.html"))
		return
	}
	response.Success(c, d)
}

// notFound serves static UI assets and answers everything else with a 404 envelope.
func (cs *Console) notFound(c *gin.Context) {
	if cs.uiDir != "" && c.Request.Method == http.MethodGet && !strings.HasPrefix(c.Request.URL.Path, "/api/") {
		name := filepath.Join(cs.uiDir, filepath.FromSlash(path.Clean("/"+c.Request.URL.Path)))
		if fi, err := os.Stat(name); err == nil && fi.Mode().IsRegular() {
			c.File(name)
			return
		}
	}
	response.JSONError(c, apperr.New(apperr.ErrorCodeNotFound))
}
