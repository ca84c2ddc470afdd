package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/caretrack/evv"
	"github.com/caretrack/evv/api/middleware"
	"github.com/caretrack/evv/config"
)

type Api struct {
	evv    *evv.Evv
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/visits", a.CreateVisit)
	router.GET("/visits", a.GetVisitsInRange)
	router.GET("/visits/:id", a.GetVisit)
	router.POST("/visits/:id/clock-in", a.ClockIn)
	router.POST("/visits/:id/clock-out", a.ClockOut)
	router.POST("/visits/:id/gps-override", a.ApproveGPSOverride)
	router.GET("/visits/:id/attempts", a.GetVisitAttempts)
	router.POST("/visits/:id/corrections", a.CorrectVisit)
	router.POST("/visits/:id/amendments", a.AmendVisit)
	router.GET("/visits/:id/corrections", a.GetCorrections)

	router.POST("/authorizations", a.UpsertAuthorization)

	router.GET("/claims/:id/ready", a.ClaimReady)
	router.POST("/claims/:id/gate", a.GateClaim)
	router.POST("/claims/:id/override", a.OverrideClaimsGate)
	router.GET("/claims/report", a.ClaimsReport)

	router.POST("/sweep", a.TriggerSweep)
	router.POST("/organizations/:id/drain", a.DrainOrganizationQueue)
	return a.router
}

func NewAPI(e *evv.Evv) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	r.POST("/webhook", func(c *gin.Context) {
		var payload map[string]interface{}
		err := c.Bind(&payload)
		if err != nil {
			fmt.Println(err)
			return
		}
		fmt.Println(payload)
		c.JSON(200, "webhook received")
	})

	return &Api{evv: e, router: r}
}
