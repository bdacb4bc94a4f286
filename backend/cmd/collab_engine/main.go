package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/httpapi/handlers"
	"collabEngine/backend/internal/httpapi/middleware"
	"collabEngine/backend/internal/store"
	"collabEngine/backend/internal/ws"
)

type EngineConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Engine struct {
		MaxOpSize          int `mapstructure:"maxOpSize"`
		RoomQueue          int `mapstructure:"roomQueue"`
		SendBuffer         int `mapstructure:"sendBuffer"`
		ReplayWindow       int `mapstructure:"replayWindow"`
		GracePeriodSec     int `mapstructure:"gracePeriodSec"`
		CheckpointEveryOps int `mapstructure:"checkpointEveryOps"`
		CheckpointIdleSec  int `mapstructure:"checkpointIdleSec"`
	} `mapstructure:"engine"`
}

func initConfig() (*EngineConfig, error) {
	cfg := &EngineConfig{}
	v := viper.New()
	v.SetConfigName("engineConfig")
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

	rdb := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatalf("Failed to get sql db: %v", err)
	}
	defer sqlDB.Close()

	// === Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	kafkaSem := collab.NewSemaphoreControl(100)
	wsSem := collab.NewSemaphoreControl(100)

	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	snapshotStore := store.NewSnapshotStore(sqlDB)
	presence := cache.NewRedisPresence(rdb)

	mgr := collab.NewManager(snapshotStore, presence, dispatcher, collab.ManagerOptions{
		MaxOpSize:   cfg.Engine.MaxOpSize,
		SendBuffer:  cfg.Engine.SendBuffer,
		GracePeriod: time.Duration(cfg.Engine.GracePeriodSec) * time.Second,
		Room: collab.RoomOptions{
			QueueSize:    cfg.Engine.RoomQueue,
			ReplayWindow: cfg.Engine.ReplayWindow,
		},
		Checkpoint: collab.CheckpointOptions{
			EveryOps:  uint64(cfg.Engine.CheckpointEveryOps),
			IdleAfter: time.Duration(cfg.Engine.CheckpointIdleSec) * time.Second,
		},
	})

	wsManager := ws.NewManager(mgr, wsSem)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	collabGroup := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，调用外部 /v1/auth/verify
	collabGroup.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	collabGroup.GET("/ws", wsManager.WebSocketConnect)

	r.GET("/healthz", handlers.Healthz)
	r.GET("/statz", handlers.Statz(mgr))

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
