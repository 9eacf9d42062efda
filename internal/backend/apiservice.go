package backend

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/fillier/name-that-thing/internal/backend/database"
	"github.com/fillier/name-that-thing/internal/backend/pixelation"
	"github.com/fillier/name-that-thing/internal/core"
)

// APIService exposes category authoring, the upload pipeline, artifact
// serving, the two-phase integrity sweep, and bundle export/import.
type APIService struct {
	config      *core.ServiceConfig
	coreService *core.CoreService

	// lastDiagnosis holds the pending diagnose-phase result until the
	// caller explicitly commits it.
	diagnosisMu   sync.Mutex
	lastDiagnosis *core.IntegrityReport
}

func NewAPIService(config *core.ServiceConfig, coreService *core.CoreService) *APIService {
	return &APIService{
		config:      config,
		coreService: coreService,
	}
}

func (service *APIService) SetRoutes(e *echo.Echo) {
	e.GET("/probe", func(c echo.Context) error {
		return c.String(http.StatusOK, "API Service is running")
	})

	api := e.Group("/api")

	api.POST("/categories", service.createCategoryHandler)
	api.GET("/categories", service.listCategoriesHandler)
	api.GET("/categories/:id", service.getCategoryHandler)
	api.PUT("/categories/:id", service.updateCategoryHandler)
	api.DELETE("/categories/:id", service.deleteCategoryHandler)

	api.POST("/categories/:id/images", service.uploadImagesHandler)
	api.GET("/categories/:id/images", service.listImagesHandler)

	api.GET("/images/:id", service.getImageHandler)
	api.DELETE("/images/:id", service.deleteImageHandler)
	api.GET("/images/:id/levels/:level", service.getArtifactHandler)

	api.POST("/integrity/diagnose", service.diagnoseHandler)
	api.POST("/integrity/commit", service.commitRepairsHandler)

	api.GET("/export", service.exportHandler)
	api.POST("/import", service.importHandler)
}

type categoryRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

func (service *APIService) createCategoryHandler(c echo.Context) error {
	var req categoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	category, err := service.coreService.CreateCategory(req.Name, req.Description)
	if err != nil {
		slog.Error("failed to create category", "name", req.Name, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create category")
	}
	return c.JSON(http.StatusCreated, category)
}

func (service *APIService) listCategoriesHandler(c echo.Context) error {
	categories, err := service.coreService.GetCategories()
	if err != nil {
		slog.Error("failed to list categories", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list categories")
	}
	return c.JSON(http.StatusOK, categories)
}

func (service *APIService) getCategoryHandler(c echo.Context) error {
	category, err := service.coreService.GetCategory(c.Param("id"))
	if err != nil {
		if core.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "category not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load category")
	}
	return c.JSON(http.StatusOK, category)
}

func (service *APIService) updateCategoryHandler(c echo.Context) error {
	var req categoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	if err := service.coreService.UpdateCategory(c.Param("id"), req.Name, req.Description); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "category not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (service *APIService) deleteCategoryHandler(c echo.Context) error {
	if err := service.coreService.DeleteCategory(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "category not found")
	}
	return c.NoContent(http.StatusNoContent)
}

type uploadResultResponse struct {
	Filename string `json:"filename"`
	ImageID  string `json:"imageId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// uploadImagesHandler accepts one or more files under the "images" form
// field and feeds them to the sequential pipeline. Each file gets its own
// terminal result; a failed file never aborts the batch.
func (service *APIService) uploadImagesHandler(c echo.Context) error {
	categoryID := c.Param("id")
	if _, err := service.coreService.GetCategory(categoryID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "category not found")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart form upload")
	}
	fileHeaders := form.File["images"]
	if len(fileHeaders) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no files supplied under 'images'")
	}

	uploads := make([]core.UploadFile, 0, len(fileHeaders))
	for _, header := range fileHeaders {
		src, err := header.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("failed to open uploaded file %q", header.Filename))
		}
		data, err := io.ReadAll(src)
		_ = src.Close()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("failed to read uploaded file %q", header.Filename))
		}
		uploads = append(uploads, core.UploadFile{
			Filename: header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Data:     data,
		})
	}

	results := service.coreService.ProcessUploads(c.Request().Context(), categoryID, uploads)

	response := make([]uploadResultResponse, 0, len(results))
	failures := 0
	for _, result := range results {
		r := uploadResultResponse{Filename: result.Filename}
		if result.Err != nil {
			r.Error = result.Err.Error()
			failures++
		} else {
			r.ImageID = result.Record.ID
		}
		response = append(response, r)
	}

	status := http.StatusCreated
	if failures == len(results) {
		status = http.StatusUnprocessableEntity
	} else if failures > 0 {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, response)
}

func (service *APIService) listImagesHandler(c echo.Context) error {
	playable := c.QueryParam("playable") == "true"

	var records []*database.ImageRecord
	var err error
	if playable {
		records, err = service.coreService.PlayableImages(c.Param("id"))
	} else {
		records, err = service.coreService.GetImagesByCategory(c.Param("id"))
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list images")
	}
	return c.JSON(http.StatusOK, records)
}

func (service *APIService) getImageHandler(c echo.Context) error {
	record, err := service.coreService.GetImage(c.Param("id"))
	if err != nil {
		if core.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "image not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load image")
	}
	return c.JSON(http.StatusOK, record)
}

func (service *APIService) deleteImageHandler(c echo.Context) error {
	if err := service.coreService.DeleteImage(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "image not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (service *APIService) getArtifactHandler(c echo.Context) error {
	levelOrdinal, err := strconv.Atoi(c.Param("level"))
	if err != nil || !pixelation.Level(levelOrdinal).Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "level must be 1-4")
	}

	blob, err := service.coreService.GetArtifact(c.Request().Context(),
		c.Param("id"), pixelation.Level(levelOrdinal))
	if err != nil {
		if core.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
		}
		slog.Error("failed to serve artifact",
			"image_id", c.Param("id"), "level", levelOrdinal, "error", err)
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.Blob(http.StatusOK, pixelation.ArtifactMIMEType, blob)
}

type diagnosisResponse struct {
	Checked  int               `json:"checked"`
	Valid    []string          `json:"valid"`
	Repaired []string          `json:"repaired"`
	Excluded map[string]string `json:"excluded"`
}

func (service *APIService) diagnoseHandler(c echo.Context) error {
	report, err := service.coreService.LoadAndDiagnose(c.Request().Context())
	if err != nil {
		slog.Error("integrity diagnosis failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "integrity diagnosis failed")
	}

	service.diagnosisMu.Lock()
	service.lastDiagnosis = report
	service.diagnosisMu.Unlock()

	repaired := make([]string, 0, len(report.Repaired))
	for id := range report.Repaired {
		repaired = append(repaired, id)
	}
	return c.JSON(http.StatusOK, diagnosisResponse{
		Checked:  report.Checked,
		Valid:    report.Valid,
		Repaired: repaired,
		Excluded: report.Excluded,
	})
}

func (service *APIService) commitRepairsHandler(c echo.Context) error {
	service.diagnosisMu.Lock()
	report := service.lastDiagnosis
	service.lastDiagnosis = nil
	service.diagnosisMu.Unlock()

	if report == nil {
		return echo.NewHTTPError(http.StatusConflict, "no pending diagnosis to commit")
	}

	if err := service.coreService.CommitRepairs(c.Request().Context(), report); err != nil {
		slog.Error("committing repairs failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "committing repairs failed")
	}
	return c.JSON(http.StatusOK, map[string]int{"committed": len(report.Repaired)})
}

func (service *APIService) exportHandler(c echo.Context) error {
	data, err := service.coreService.ExportBundle()
	if err != nil {
		slog.Error("export failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "export failed")
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="name-that-thing.json"`)
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}

func (service *APIService) importHandler(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read bundle")
	}

	imported, skipped, err := service.coreService.ImportBundle(data)
	if err != nil {
		slog.Error("import failed", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("import failed: %v", err))
	}
	return c.JSON(http.StatusOK, map[string]int{"imported": imported, "skipped": skipped})
}
