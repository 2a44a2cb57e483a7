package console

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/api"
	"github.com/milan604/rtl433dp-console/pkg/apperr"
	"github.com/milan604/rtl433dp-console/pkg/guard"
	"github.com/milan604/rtl433dp-console/pkg/permissions"
	"github.com/milan604/rtl433dp-console/pkg/response"
	"github.com/milan604/rtl433dp-console/pkg/server/middleware"
	"github.com/milan604/rtl433dp-console/pkg/validator"
)

type modelURI struct {
	Model       string `uri:"model" validate:"required"`
	Fingerprint string `uri:"fingerprint" validate:"required"`
}

// PromoteResult is the answer to a promotion: the created device, when the
// backend sent it, and the recommendation list as it stands afterwards.
type PromoteResult struct {
	Device          api.KnownDevice      `json:"device,omitempty"`
	Recommendations []api.Recommendation `json:"recommendations"`
}

func (cs *Console) registerAPI(g *gin.RouterGroup) {
	anyOf := func(p ...string) gin.HandlerFunc { return guard.RequireAnyPermission(cs.guard, p...) }

	g.GET("/models", anyOf(permissions.ModelList), cs.listModels)
	g.POST("/models/search", anyOf(permissions.ModelSearch), cs.searchModels)
	g.GET("/models/:model/:fingerprint", anyOf(permissions.ModelGet), cs.getModel)
	g.POST("/models/:model/:fingerprint/sensors", anyOf(permissions.ModelUpdate), cs.updateSensors)
	g.GET("/known-devices", cs.listKnownDevices)
	g.GET("/recommendations", anyOf(permissions.RecommendationList), cs.listRecommendations)
	g.POST("/recommendations/promote", anyOf(permissions.RecommendationPromote), cs.promote)
}

// backendError writes err as an envelope. A 401 has already cleared the
// session, so the client is told where to sign in again.
func (cs *Console) backendError(c *gin.Context, err error) {
	ae := api.ToAppError(err)
	if ae.HTTPStatus == http.StatusUnauthorized {
		ae.WithDetail("location", guard.LoginLocation(cs.guard.LoginPath, refererPath(c)))
	}
	cs.log.WarnFCtx(c.Request.Context(), "console: backend %s %s: %v", c.Request.Method, c.FullPath(), err)
	response.JSONError(c, ae)
}

func (cs *Console) listModels(c *gin.Context) {
	models, err := cs.backend.ListModels(c.Request.Context())
	if err != nil {
		cs.backendError(c, err)
		return
	}
	response.Success(c, models)
}

func (cs *Console) searchModels(c *gin.Context) {
	query, ok := rawJSONBody(c)
	if !ok {
		return
	}
	models, err := cs.backend.SearchModels(c.Request.Context(), query)
	if err != nil {
		cs.backendError(c, err)
		return
	}
	response.Success(c, models)
}

func (cs *Console) getModel(c *gin.Context) {
	uri, ok := bindModelURI(c)
	if !ok {
		return
	}
	details, err := cs.backend.GetModel(c.Request.Context(), uri.Model, uri.Fingerprint)
	if err != nil {
		cs.backendError(c, err)
		return
	}
	response.Success(c, details)
}

func (cs *Console) updateSensors(c *gin.Context) {
	uri, ok := bindModelURI(c)
	if !ok {
		return
	}
	sensors, ok := rawJSONBody(c)
	if !ok {
		return
	}
	details, err := cs.backend.UpdateSensors(c.Request.Context(), uri.Model, uri.Fingerprint, sensors)
	if err != nil {
		cs.backendError(c, err)
		return
	}
	response.Success(c, details)
}

func (cs *Console) listKnownDevices(c *gin.Context) {
	devices, err := cs.backend.ListKnownDevices(c.Request.Context())
	if err != nil {
		cs.backendError(c, err)
		return
	}
	response.Success(c, devices)
}

func (cs *Console) listRecommendations(c *gin.Context) {
	recs, err := cs.backend.ListRecommendations(c.Request.Context())
	if err != nil {
		cs.backendError(c, err)
		return
	}
	response.Success(c, recs)
}

// promote validates the request, promotes and then reloads the
// recommendations so the promoted entry disappears from the answer.
func (cs *Console) promote(c *gin.Context) {
	vi := middleware.GetValidator(c)
	req, aerr := validator.BindJSON[api.PromoteRequest](vi, c)
	if aerr != nil {
		response.JSONError(c, aerr)
		return
	}
	if err := vi.Struct(req); err != nil {
		response.JSONError(c, vi.ParseError(err))
		return
	}

	ctx := c.Request.Context()
	device, err := cs.backend.Promote(ctx, *req)
	if err != nil {
		cs.backendError(c, err)
		return
	}

	out := PromoteResult{Device: device}
	recs, err := cs.backend.ListRecommendations(ctx)
	if err != nil {
		cs.log.WarnFCtx(ctx, "console: refresh recommendations after promote: %v", err)
	}
	out.Recommendations = recs
	if out.Recommendations == nil {
		out.Recommendations = []api.Recommendation{}
	}
	response.Success(c, out)
}

// refererPath is the page the SPA called from, when it is the console's own.
func refererPath(c *gin.Context) string {
	u, err := url.Parse(c.GetHeader("Referer"))
	if err != nil || (u.Host != "" && u.Host != c.Request.Host) {
		return "/"
	}
	return u.RequestURI()
}

func bindModelURI(c *gin.Context) (*modelURI, bool) {
	vi := middleware.GetValidator(c)
	uri, aerr := validator.BindURI[modelURI](vi, c)
	if aerr == nil {
		if err := vi.Struct(uri); err != nil {
			aerr = vi.ParseError(err)
		}
	}
	if aerr != nil {
		response.JSONError(c, aerr)
		return nil, false
	}
	return uri, true
}

// rawJSONBody passes a JSON request body through to the backend unchanged.
func rawJSONBody(c *gin.Context) (json.RawMessage, bool) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 || !json.Valid(body) {
		response.JSONError(c, apperr.New(apperr.ErrorCodeInvalidRequest).WithMessage("Request body must be JSON"))
		return nil, false
	}
	return json.RawMessage(body), true
}
