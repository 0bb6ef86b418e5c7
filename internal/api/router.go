package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/LJTian/NewsBot/internal/scheduler"
	"github.com/LJTian/NewsBot/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider 返回调度器当前状态
type StatusProvider interface {
	Status() scheduler.Status
}

// DeliveryLister 推送存档查询，未配置数据库时为 nil
type DeliveryLister interface {
	ListDeliveries(ctx context.Context, feed, date string, limit int) ([]storage.Delivery, error)
}

type Server struct {
	status     StatusProvider
	deliveries DeliveryLister
}

func NewServer(status StatusProvider, deliveries DeliveryLister) *Server {
	return &Server{status: status, deliveries: deliveries}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/deliveries", s.listDeliveries)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    s.status.Status(),
	})
}

func (s *Server) listDeliveries(c *gin.Context) {
	if s.deliveries == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "archive_disabled",
			"message": "delivery archive is not configured",
		})
		return
	}

	date := c.Query("date")
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "invalid_date",
				"message": "date must be YYYY-MM-DD",
			})
			return
		}
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}

	items, err := s.deliveries.ListDeliveries(c.Request.Context(), c.Query("feed"), date, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "internal_error",
			"message": "internal server error",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    items,
	})
}
