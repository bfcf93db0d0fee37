package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/cache"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/collab"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/httpapi/middleware"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/room"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/store"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Collab struct {
		AwarenessTTLSeconds  int `mapstructure:"awarenessTtlSeconds"`
		GraceWindowSeconds   int `mapstructure:"graceWindowSeconds"`
		FlushIntervalSeconds int `mapstructure:"flushIntervalSeconds"`
		SendQueueSize        int `mapstructure:"sendQueueSize"`
		ChatTTLSeconds       int `mapstructure:"chatTtlSeconds"`
	} `mapstructure:"collab"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := gorm.Open(gormmysql.Open(cfg.Mysql.DSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// === Kafka Producer（可选，未配置 brokers 时事件为 no-op） ===
	var dispatcher *collab.KafkaDispatcher
	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(100),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	}

	snapshots, err := store.NewSnapshotStore(db)
	if err != nil {
		log.Fatalf("Failed to init snapshot store: %v", err)
	}
	registry := room.NewRegistry(snapshots, snapshots, dispatcher, room.Options{
		GraceWindow:   time.Duration(cfg.Collab.GraceWindowSeconds) * time.Second,
		FlushInterval: time.Duration(cfg.Collab.FlushIntervalSeconds) * time.Second,
		AwarenessTTL:  time.Duration(cfg.Collab.AwarenessTTLSeconds) * time.Second,
	})
	manager := ws.NewManager(registry, dispatcher, cfg.Collab.SendQueueSize)
	chatHub := ws.NewChatHub(cache.NewRedisPresence(rdb), time.Duration(cfg.Collab.ChatTTLSeconds)*time.Second)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})
	authed := r.Group("/collab")
	authed.Use(middleware.AuthMiddleware())
	authed.GET("/ws", manager.WebSocketConnect)
	authed.GET("/chat", chatHub.Connect)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	// 关停前把所有脏房间落盘
	registry.Close(shutdownCtx)
}
