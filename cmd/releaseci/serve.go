package main

import (
	"log"

	"github.com/haatos/releaseci/internal"
	"github.com/haatos/releaseci/internal/handler"
	"github.com/haatos/releaseci/internal/settings"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine as a server with the HTTP API and lane schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()
		defer a.releaseSvc.ShutdownAll()

		if err := a.releaseSvc.ScheduleLanes(); err != nil {
			return err
		}
		a.releaseSvc.StartScheduler()
		defer func() {
			if err := a.releaseSvc.StopScheduler(); err != nil {
				log.Printf("err stopping scheduler: %+v\n", err)
			}
		}()

		e := setupEcho(a)
		internal.GracefulShutdown(e, settings.Settings.Port)
		return nil
	},
}

func setupEcho(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.ErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORSWithConfig(
		internal.GetCORSConfig([]string{settings.Settings.BaseURL()}),
	))
	e.Use(middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig()))

	api := e.Group("/api", handler.APIKeyMiddleware(a.apiKeySvc))
	handler.SetupRunRoutes(api, a.releaseSvc)
	handler.SetupSecretRoutes(api, a.adapter)
	handler.SetupAPIKeyRoutes(api, a.apiKeySvc)

	return e
}
