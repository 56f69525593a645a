// API Gatewayサービスのエントリポイント。
// JWT発行と検証、通知サービスへのリクエスト転送を担当する。
// 外部からアクセス可能な入口であり、セキュリティの境界線となる。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/internal/gateway"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println(".envファイルが無いため環境変数から設定を読み込みます")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"), "8080")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	server := gateway.NewServer(cfg)

	go func() {
		log.Printf("Gatewayサービスを起動します: :%s", cfg.Port)
		if err := server.Run(); err != nil {
			log.Fatalf("Gatewayサービスの起動に失敗: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Gatewayサービスを停止します")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Gatewayサービスの停止に失敗: %v", err)
	}
	log.Println("Gatewayサービスを停止しました")
}
