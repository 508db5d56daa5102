package main

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chronoslabs/chronos-compressor/internal/compression"
	"github.com/chronoslabs/chronos-compressor/internal/jobs"
	"github.com/chronoslabs/chronos-compressor/internal/logging"
	"github.com/chronoslabs/chronos-compressor/internal/metrics"
	"github.com/chronoslabs/chronos-compressor/internal/middleware"
	"github.com/chronoslabs/chronos-compressor/pkg/models"
	"github.com/gin-gonic/gin"
)

const version = "1.0.0"

// Report headers sent with every compressed download
const (
	HeaderOriginalSize   = "X-Original-Size-Bytes"
	HeaderCompressedSize = "X-Compressed-Size-Bytes"
	HeaderBytesSaved     = "X-Bytes-Saved"
	HeaderPercentSaved   = "X-Percent-Saved"
	HeaderPresetBitrate  = "X-Preset-Bitrate"
)

//go:embed templates/*.html
var templatesFS embed.FS

var allowedExtensions = []string{".mp4", ".mov", ".avi", ".mkv", ".webm"}

var (
	errNoFile          = errors.New("no video file provided")
	errUnsupportedType = errors.New("unsupported file type")
	errTooLarge        = errors.New("file too large")
)

// JobService is the asynchronous side of the API
type JobService interface {
	Submit(ctx context.Context, name string, data []byte, presetName, callbackURL string) (*models.CompressionJob, error)
	Get(ctx context.Context, id string) (*models.CompressionJob, error)
	DownloadURL(ctx context.Context, id string) (string, error)
	List(ctx context.Context, limit, offset int) ([]*models.CompressionJob, error)
	Report(job *models.CompressionJob) *models.Report
}

// Versioner reports the encoder version for health checks
type Versioner interface {
	Version(ctx context.Context) (string, error)
}

type API struct {
	compressor    *compression.Compressor
	jobs          JobService
	encoder       Versioner
	maxUploadSize int64
	logger        *logging.Logger
}

type presetView struct {
	compression.Preset
	Default bool `json:"default"`
}

type jobResponse struct {
	*models.CompressionJob
	Report *models.Report `json:"report,omitempty"`
}

func newRouter(api *API, rl *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(api.logger), middleware.Metrics())
	router.MaxMultipartMemory = 32 << 20
	router.SetHTMLTemplate(template.Must(template.ParseFS(templatesFS, "templates/*.html")))

	router.GET("/", api.index)
	router.GET("/health", api.healthCheck)

	v1 := router.Group("/api/v1")
	if rl != nil {
		v1.Use(middleware.RateLimit(rl))
	}
	{
		v1.GET("/presets", api.listPresets)
		v1.POST("/compress", api.compress)

		if api.jobs != nil {
			v1.POST("/jobs", api.createJob)
			v1.GET("/jobs", api.listJobs)
			v1.GET("/jobs/:id", api.getJob)
			v1.GET("/jobs/:id/download", api.downloadJob)
		}
	}

	return router
}

func (api *API) index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Presets":     compression.Presets(),
		"DefaultKey":  compression.DefaultPreset().Key,
		"Accept":      strings.Join(allowedExtensions, ","),
		"Extensions":  strings.Join(allowedExtensions, " "),
		"MaxUploadMB": api.maxUploadSize >> 20,
		"JobsEnabled": api.jobs != nil,
		"Version":     version,
	})
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	encoderVersion, err := api.encoder.Version(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"ffmpeg":  encoderVersion,
		"jobs":    api.jobs != nil,
		"version": version,
	})
}

func (api *API) listPresets(c *gin.Context) {
	def := compression.DefaultPreset()
	presets := compression.Presets()
	views := make([]presetView, 0, len(presets))
	for _, p := range presets {
		views = append(views, presetView{Preset: p, Default: p.Key == def.Key})
	}

	c.JSON(http.StatusOK, gin.H{"presets": views})
}

// compress runs the workflow synchronously and streams back the result
func (api *API) compress(c *gin.Context) {
	video, status, err := api.readUpload(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	preset, err := compression.LookupPreset(c.PostForm("preset"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := api.compressor.Compress(c.Request.Context(), video, preset)
	if err != nil {
		if compression.IsEncodingFailed(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	report := models.NewReport(result.OutputFileName, preset.Label, preset.Bitrate,
		result.OriginalSizeBytes, result.CompressedSizeBytes)

	c.Header(HeaderOriginalSize, strconv.FormatInt(report.OriginalSizeBytes, 10))
	c.Header(HeaderCompressedSize, strconv.FormatInt(report.CompressedSizeBytes, 10))
	c.Header(HeaderBytesSaved, strconv.FormatInt(report.BytesSaved, 10))
	c.Header(HeaderPercentSaved, strconv.FormatFloat(report.PercentSaved, 'f', 1, 64))
	c.Header(HeaderPresetBitrate, preset.Bitrate)

	if wantsJSON(c) {
		c.JSON(http.StatusOK, report)
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": result.OutputFileName,
	}))
	c.Data(http.StatusOK, compression.OutputMIMEType, result.OutputBytes)
}

func (api *API) createJob(c *gin.Context) {
	video, status, err := api.readUpload(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	presetName := c.PostForm("preset")
	if _, err := compression.LookupPreset(presetName); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := api.jobs.Submit(c.Request.Context(), video.Name, video.RawBytes, presetName, c.PostForm("callback_url"))
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrInvalidPreset), errors.Is(err, jobs.ErrInvalidCallback):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, compression.ErrEmptyInput):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			api.logger.ErrorWithErr("Failed to submit job", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit job"})
		}
		return
	}

	c.JSON(http.StatusAccepted, job)
}

func (api *API) listJobs(c *gin.Context) {
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	list, err := api.jobs.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   list,
		"limit":  limit,
		"offset": offset,
	})
}

func (api *API) getJob(c *gin.Context) {
	job, err := api.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := jobResponse{CompressionJob: job}
	if job.Status == models.JobStatusCompleted {
		resp.Report = api.jobs.Report(job)
	}
	c.JSON(http.StatusOK, resp)
}

func (api *API) downloadJob(c *gin.Context) {
	url, err := api.jobs.DownloadURL(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, jobs.ErrJobNotCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.Redirect(http.StatusFound, url)
	}
}

// readUpload reads the "video" form file, enforcing the size limit and the
// accepted extensions. It must run before anything else parses the form.
// The returned status is meaningful only with an error.
func (api *API) readUpload(c *gin.Context) (compression.UploadedVideo, int, error) {
	if api.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, api.maxUploadSize)
	}

	file, header, err := c.Request.FormFile("video")
	if err != nil {
		if isTooLarge(err) {
			return compression.UploadedVideo{}, http.StatusRequestEntityTooLarge, errTooLarge
		}
		return compression.UploadedVideo{}, http.StatusBadRequest, errNoFile
	}
	defer file.Close()

	if api.maxUploadSize > 0 && header.Size > api.maxUploadSize {
		return compression.UploadedVideo{}, http.StatusRequestEntityTooLarge, errTooLarge
	}
	if !allowedExtension(header.Filename) {
		return compression.UploadedVideo{}, http.StatusUnsupportedMediaType, errUnsupportedType
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return compression.UploadedVideo{}, http.StatusBadRequest, err
	}
	metrics.RecordUpload(int64(len(data)))

	return compression.UploadedVideo{
		Name:      header.Filename,
		SizeBytes: header.Size,
		RawBytes:  data,
	}, http.StatusOK, nil
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func allowedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range allowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func wantsJSON(c *gin.Context) bool {
	return c.Query("format") == "json" || strings.HasPrefix(c.GetHeader("Accept"), "application/json")
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
