package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"anima-gateway/internal/common/logger"
	"anima-gateway/internal/config"
	"anima-gateway/internal/service"
)

func main() {
	// .env 仅本地开发使用，缺失时忽略
	_ = godotenv.Load()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "anima-gateway")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting anima-gateway",
		zap.String("version", "1.0.0"),
		zap.String("service_uuid", cfg.Link.ServiceUUID),
		zap.String("name_filter", cfg.Link.NameFilter),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	// 创建服务
	gateway, err := service.NewGatewayService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create gateway service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gateway.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start gateway service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gateway.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
