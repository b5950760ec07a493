package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/utils/ptr"

	"github.com/kubeadapt/gpu-broker/internal/discovery"
	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/normalize"
	"github.com/kubeadapt/gpu-broker/internal/pods"
	"github.com/kubeadapt/gpu-broker/internal/queue"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

// ResourceFinder answers inventory queries. *discovery.Broker implements it.
type ResourceFinder interface {
	Discover(ctx context.Context, f discovery.Filter) ([]model.Resource, error)
	Degraded() bool
}

// PodService manages pods. *pods.Manager implements it.
type PodService interface {
	Create(ctx context.Context, req pods.CreateRequest) (model.Pod, error)
	List(ctx context.Context, activeOnly bool) ([]model.Pod, error)
	Status(ctx context.Context, id string) (model.Pod, error)
	Terminate(ctx context.Context, id string) (model.Pod, error)
	Logs(ctx context.Context, id string, lines int) (string, error)
}

// JobService queues batch jobs. *queue.Queue implements it.
type JobService interface {
	Enqueue(spec queue.Spec) model.Job
	Get(id string) (model.Job, bool)
	List(statuses ...model.JobStatus) []model.Job
	Cancel(id string) error
}

// UsageService reports usage and manages alerts. *monitor.Monitor
// implements it.
type UsageService interface {
	Usage(ctx context.Context) (model.TeamUsage, error)
	History(window time.Duration) []model.TeamUsage
	Alerts() []model.Alert
	AddAlert(name, condition, action, recipient string) (model.Alert, error)
	RemoveAlert(id string) bool
}

const (
	defaultLogLines     = 100
	defaultHistoryHours = 24
)

func (s *Server) registerAPI(api *gin.RouterGroup) {
	if s.deps.Resources != nil {
		api.GET("/resources", s.listResources)
	}
	if s.deps.Pods != nil {
		api.POST("/pods", s.createPod)
		api.GET("/pods", s.listPods)
		api.GET("/pods/:id", s.getPod)
		api.DELETE("/pods/:id", s.terminatePod)
		api.GET("/pods/:id/logs", s.podLogs)
	}
	if s.deps.Jobs != nil {
		api.POST("/jobs", s.submitJob)
		api.GET("/jobs", s.listJobs)
		api.GET("/jobs/:id", s.getJob)
		api.DELETE("/jobs/:id", s.cancelJob)
	}
	if s.deps.Usage != nil {
		api.GET("/usage", s.usage)
		api.GET("/usage/history", s.usageHistory)
		api.GET("/alerts", s.listAlerts)
		api.POST("/alerts", s.addAlert)
		api.DELETE("/alerts/:id", s.removeAlert)
	}
}

// filterFromQuery builds a discovery filter from query parameters. Regions
// may repeat or be comma-separated.
func filterFromQuery(c *gin.Context) (discovery.Filter, error) {
	var f discovery.Filter
	invalid := func(name, v string) error {
		return brokererrors.New(brokererrors.ErrInvalidArgument, "server", "invalid %s %q", name, v)
	}

	if v := c.Query("gpu_type"); v != "" {
		f.GPUType = normalize.ParseGPUType(v)
		if f.GPUType == model.GPUUnknown {
			return f, invalid("gpu_type", v)
		}
	}
	f.Provider = c.Query("provider")
	for _, v := range c.QueryArray("region") {
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				f.Regions = append(f.Regions, r)
			}
		}
	}

	for name, dst := range map[string]**float64{"min_cost": &f.MinCost, "max_cost": &f.MaxCost} {
		if v := c.Query(name); v != "" {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil || n < 0 {
				return f, invalid(name, v)
			}
			*dst = ptr.To(n)
		}
	}
	for name, dst := range map[string]*int{"min_available": &f.MinAvailable, "gpu_count": &f.GPUCount, "limit": &f.Limit} {
		if v := c.Query(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, invalid(name, v)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]*bool{"include_free": &f.IncludeFree, "desc": &f.Descending} {
		if v := c.Query(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return f, invalid(name, v)
			}
			*dst = b
		}
	}

	key, err := discovery.ParseSortKey(c.Query("sort_by"))
	if err != nil {
		return f, brokererrors.Wrap(brokererrors.ErrInvalidArgument, "server", err, "invalid sort_by")
	}
	f.SortBy = key
	return f, nil
}

func (s *Server) listResources(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := s.deps.Resources.Discover(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"resources": res,
		"count":     len(res),
		"degraded":  s.deps.Resources.Degraded(),
	})
}

func (s *Server) createPod(c *gin.Context) {
	var req pods.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	raw := string(req.GPUType)
	if req.GPUType = normalize.ParseGPUType(raw); req.GPUType == model.GPUUnknown {
		badRequest(c, "invalid gpu_type %q", raw)
		return
	}
	if req.GPUCount < 0 {
		badRequest(c, "gpu_count must be >= 0")
		return
	}

	pod, err := s.deps.Pods.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pod)
}

func (s *Server) listPods(c *gin.Context) {
	all, _ := strconv.ParseBool(c.DefaultQuery("all", "false"))
	list, err := s.deps.Pods.List(c.Request.Context(), !all)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pods": list, "count": len(list)})
}

func (s *Server) getPod(c *gin.Context) {
	pod, err := s.deps.Pods.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pod)
}

func (s *Server) terminatePod(c *gin.Context) {
	pod, err := s.deps.Pods.Terminate(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pod)
}

func (s *Server) podLogs(c *gin.Context) {
	lines := defaultLogLines
	if v := c.Query("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, "invalid lines %q", v)
			return
		}
		lines = n
	}
	out, err := s.deps.Pods.Logs(c.Request.Context(), c.Param("id"), lines)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pod_id": c.Param("id"), "logs": out})
}

func (s *Server) submitJob(c *gin.Context) {
	var spec queue.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(spec.ScriptPath) == "" {
		badRequest(c, "script_path is required")
		return
	}
	if raw := string(spec.Requirements.GPUType); raw != "" {
		if spec.Requirements.GPUType = normalize.ParseGPUType(raw); spec.Requirements.GPUType == model.GPUUnknown {
			badRequest(c, "invalid gpu_type %q", raw)
			return
		}
	}
	if err := spec.Validate(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.deps.Jobs.Enqueue(spec))
}

func (s *Server) listJobs(c *gin.Context) {
	var statuses []model.JobStatus
	for _, v := range c.QueryArray("status") {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, model.JobStatus(strings.ToLower(st)))
			}
		}
	}
	jobs := s.deps.Jobs.List(statuses...)
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(c *gin.Context) {
	job, ok := s.deps.Jobs.Get(c.Param("id"))
	if !ok {
		writeError(c, brokererrors.New(brokererrors.ErrNotFound, "server", "job %q not found", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	if err := s.deps.Jobs.Cancel(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	job, _ := s.deps.Jobs.Get(c.Param("id"))
	c.JSON(http.StatusOK, job)
}

func (s *Server) usage(c *gin.Context) {
	u, err := s.deps.Usage.Usage(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) usageHistory(c *gin.Context) {
	hours := defaultHistoryHours
	if v := c.Query("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, "invalid hours %q", v)
			return
		}
		hours = n
	}
	hist := s.deps.Usage.History(time.Duration(hours) * time.Hour)
	c.JSON(http.StatusOK, gin.H{"history": hist, "count": len(hist)})
}

func (s *Server) listAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.deps.Usage.Alerts()})
}

type alertRequest struct {
	Name      string `json:"name" binding:"required"`
	Condition string `json:"condition" binding:"required"`
	Action    string `json:"action"`
	Recipient string `json:"recipient"`
}

func (s *Server) addAlert(c *gin.Context) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	if req.Action == "" {
		req.Action = "log"
	}
	a, err := s.deps.Usage.AddAlert(req.Name, req.Condition, req.Action, req.Recipient)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) removeAlert(c *gin.Context) {
	if !s.deps.Usage.RemoveAlert(c.Param("id")) {
		writeError(c, brokererrors.New(brokererrors.ErrNotFound, "server", "alert %q not found", c.Param("id")))
		return
	}
	c.Status(http.StatusNoContent)
}
