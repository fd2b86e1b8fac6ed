package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vellum/internal/apihandlers"
	"vellum/internal/maintenance"
)

var serveAddr string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline scheduler and HTTP API server",
	Long: `Starts the job queue dispatch loop, the maintenance scheduler and an HTTP
server exposing job submission, queue status, circuit breaker administration
and consistency checks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		appInstance.Queue.Start(ctx)

		scheduler := maintenance.NewScheduler(appInstance.Config, appInstance.Checker, appInstance.JobStore)
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start maintenance scheduler: %w", err)
		}

		router := gin.Default()
		apiHandler := apihandlers.NewAPIHandler(appInstance)

		v1 := router.Group("/api/v1")
		{
			jobGroup := v1.Group("/jobs")
			{
				jobGroup.POST("", apiHandler.SubmitJobHandler)
				jobGroup.GET("/:id", apiHandler.GetJobHandler)
				jobGroup.DELETE("/:id", apiHandler.CancelJobHandler)
			}

			v1.GET("/queue", apiHandler.QueueStatusHandler)

			breakerGroup := v1.Group("/breakers")
			{
				breakerGroup.GET("", apiHandler.BreakersHandler)
				breakerGroup.POST("/:service/open", apiHandler.ForceOpenBreakerHandler)
				breakerGroup.POST("/:service/close", apiHandler.ForceCloseBreakerHandler)
				breakerGroup.POST("/:service/reset", apiHandler.ResetBreakerStatsHandler)
			}

			consistencyGroup := v1.Group("/consistency")
			{
				consistencyGroup.GET("/check", apiHandler.ConsistencyCheckHandler)
				consistencyGroup.GET("/summary", apiHandler.ConsistencySummaryHandler)
				consistencyGroup.POST("/fix", apiHandler.ConsistencyFixHandler)
			}
		}

		router.GET("/healthz", apiHandler.HealthHandler)
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))

		listenAddr := serveAddr
		if listenAddr == "" {
			listenAddr = appInstance.Config.Server.Address
		}
		srv := &http.Server{Addr: listenAddr, Handler: router}

		go func() {
			log.Printf("Starting API server on %s", listenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("API server error: %v", err)
				cancel()
			}
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-shutdown:
			log.Println("Shutdown signal received.")
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("API server shutdown: %v", err)
		}

		scheduler.Stop()
		if err := appInstance.Queue.Stop(30 * time.Second); err != nil {
			log.Warnf("Queue did not drain cleanly: %v", err)
		}

		log.Println("Server shutdown complete.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config server.address)")
}
