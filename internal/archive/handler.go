package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pacs/pacs/internal/platform/dicomfile"
	"github.com/pacs/pacs/internal/platform/middleware"
)

const (
	OriginIDHeader   = "X-Origin-ID"
	OriginNameHeader = "X-Origin-Name"
)

// Media is where the HTTP ingest path writes files.
type Media struct {
	ID     uuid.UUID
	Folder string
}

type Handler struct {
	ingestor *Ingestor
	store    Store
	media    Media
}

func NewHandler(ingestor *Ingestor, store Store, media Media) *Handler {
	return &Handler{ingestor: ingestor, store: store, media: media}
}

// RegisterRoutes mounts the archive API on a group that already resolves
// the partition.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/instances", h.StoreInstance)
	api.GET("/studies", h.ListStudies)
	api.GET("/studies/:id/series", h.ListSeries)
	api.GET("/conflicts/:group", h.GetConflictGroup)
	api.GET("/partition", h.GetPartition)
	api.PUT("/partition/policy", h.UpdatePolicy)
}

// PartitionLimit reports the request budget stored in a partition's policy,
// for the rate limiting middleware.
func (h *Handler) PartitionLimit(ctx context.Context, id uuid.UUID) (middleware.Limit, error) {
	p, err := h.store.GetPartition(ctx, id)
	if err != nil {
		return middleware.Limit{}, err
	}
	policy, err := ParsePolicy(p.Policy)
	if err != nil {
		return middleware.Limit{}, err
	}
	perSecond, burst, ok := policy.RateLimit()
	if !ok {
		return middleware.Limit{}, nil
	}
	return middleware.Limit{PerSecond: perSecond, Burst: burst}, nil
}

func partitionOf(c echo.Context) (uuid.UUID, error) {
	id, ok := middleware.PartitionFromContext(c)
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "partition id is required")
	}
	return id, nil
}

func (h *Handler) loadPartition(c echo.Context) (*Partition, error) {
	id, err := partitionOf(c)
	if err != nil {
		return nil, err
	}
	p, err := h.store.GetPartition(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "partition not found")
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return p, nil
}

// StoreInstance ingests one DICOM Part 10 file sent as the request body.
func (h *Handler) StoreInstance(c echo.Context) error {
	includes, err := ParseIncludes(c.QueryParam("include"))
	if err != nil {
		return httpError(err)
	}
	partition, err := h.loadPartition(c)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	obj, err := dicomfile.ParseBytes(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid dicom object: "+err.Error())
	}

	res, err := h.ingestor.Import(c.Request().Context(), ImportRequest{
		PartitionID: partition.ID,
		Policy:      partition.Policy,
		MediaID:     h.media.ID,
		MediaFolder: h.media.Folder,
		Object:      obj,
		Commit:      true,
		Origin: Origin{
			ID:   c.Request().Header.Get(OriginIDHeader),
			Name: c.Request().Header.Get(OriginNameHeader),
			IP:   c.RealIP(),
		},
		Includes: includes,
	})
	if err != nil {
		return httpError(err)
	}
	if res.Ignored {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusCreated, res)
}

// ListStudies returns the online copy and every conflicted copy of a study UID.
func (h *Handler) ListStudies(c echo.Context) error {
	uid := strings.TrimSpace(c.QueryParam("study_uid"))
	if uid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "study_uid is required")
	}
	includes, err := ParseIncludes(c.QueryParam("include"))
	if err != nil {
		return httpError(err)
	}
	pid, err := partitionOf(c)
	if err != nil {
		return err
	}
	studies, err := h.store.ListStudies(c.Request().Context(), pid, uid)
	if err != nil {
		return httpError(wrapError(KindDatabase, err, "list studies"))
	}
	return c.JSON(http.StatusOK, renderStudies(studies, includes))
}

func (h *Handler) ListSeries(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	includes, err := ParseIncludes(c.QueryParam("include"))
	if err != nil {
		return httpError(err)
	}
	series, err := h.store.ListSeries(c.Request().Context(), id)
	if err != nil {
		return httpError(wrapError(KindDatabase, err, "list series"))
	}
	out := make([]*SeriesView, len(series))
	for i, s := range series {
		out[i] = RenderSeries(s, includes...)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetConflictGroup(c echo.Context) error {
	group, err := uuid.Parse(c.Param("group"))
	if err != nil || !IsConflict(group) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conflict group")
	}
	includes, err := ParseIncludes(c.QueryParam("include"))
	if err != nil {
		return httpError(err)
	}
	pid, err := partitionOf(c)
	if err != nil {
		return err
	}
	studies, err := h.store.ListConflictGroup(c.Request().Context(), pid, group)
	if err != nil {
		return httpError(wrapError(KindDatabase, err, "list conflict group"))
	}
	if len(studies) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "conflict group not found")
	}
	return c.JSON(http.StatusOK, renderStudies(studies, includes))
}

func (h *Handler) GetPartition(c echo.Context) error {
	includes, err := ParseIncludes(c.QueryParam("include"))
	if err != nil {
		return httpError(err)
	}
	p, err := h.loadPartition(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, RenderPartition(p, includes...))
}

// UpdatePolicy replaces a partition's policy. The body is validated and
// stored with defaults filled in.
func (h *Handler) UpdatePolicy(c echo.Context) error {
	p, err := h.loadPartition(c)
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	policy, err := ParsePolicy(raw)
	if err != nil {
		return httpError(err)
	}
	normalized, err := policy.Marshal()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.store.UpdatePartitionPolicy(c.Request().Context(), p.ID, normalized); err != nil {
		return httpError(wrapError(KindDatabase, err, "update policy"))
	}
	p.Policy = normalized
	return c.JSON(http.StatusOK, RenderPartition(p, IncludeIdentity, IncludeStatus, IncludePolicy))
}

func renderStudies(studies []*Study, includes []Include) []*StudyView {
	out := make([]*StudyView, len(studies))
	for i, s := range studies {
		out[i] = RenderStudy(s, includes...)
	}
	return out
}

// httpError maps an archive error to an HTTP status.
func httpError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	switch KindOf(err) {
	case KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case KindDuplicate, KindConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case KindIO:
		return echo.NewHTTPError(http.StatusInsufficientStorage, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
