package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/consumer"
	"github.com/Gopher0727/GroupChat/internal/handlers"
	"github.com/Gopher0727/GroupChat/internal/repositories"
	"github.com/Gopher0727/GroupChat/internal/routers"
	"github.com/Gopher0727/GroupChat/internal/services"
	"github.com/Gopher0727/GroupChat/internal/storage"
	"github.com/Gopher0727/GroupChat/internal/utils"
	"github.com/Gopher0727/GroupChat/middleware/jwt"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/pkg/mq"
	"github.com/Gopher0727/GroupChat/pkg/ws"
	"github.com/Gopher0727/GroupChat/utils/ratelimit"
	"github.com/Gopher0727/GroupChat/utils/snowflake"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "配置文件路径")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置初始化失败: %v\n", err)
		os.Exit(1)
	}

	lg, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	defer lg.Close()

	if err := run(cfg, lg); err != nil {
		lg.Error("服务异常退出", zap.Error(err))
		lg.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, lg *logger.Logger) error {
	log := lg.Logger
	startedAt := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化数据库
	db, err := storage.OpenDatabase(&cfg.Database, log)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	// 初始化 Redis（可选）
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = storage.InitRedis(&cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	ids, err := snowflake.NewGenerator(cfg.Chat.NodeID)
	if err != nil {
		return fmt.Errorf("初始化消息 ID 生成器失败: %w", err)
	}

	// 初始化仓储层与服务层
	userRepo := repositories.NewUserRepository(db, redisClient, log)
	messageRepo := repositories.NewMessageRepository(db)
	identity := services.NewIdentityService(userRepo, log)
	messages := services.NewMessageService(messageRepo, ids, cfg.Chat.HistoryLimit, log)

	// 协程池：直接写库的异步持久化，也是 Kafka 不可用时的降级路径
	pool := utils.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, log)
	pool.Start()
	defer pool.Stop()

	var archiver services.Archiver = services.NewPoolArchiver(pool, messages, log)

	// Kafka（可选）：生产者发消息，消费者组落库
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	if cfg.Kafka.Enabled {
		producer, err := mq.NewKafkaProducer(&cfg.Kafka, log)
		if err != nil {
			log.Warn("Kafka 生产者初始化失败，系统将以降级模式运行（直接写入数据库）", zap.Error(err))
		} else {
			defer producer.Close()
			group, err := consumer.Start(consumerCtx, &cfg.Kafka, consumer.NewMessageConsumer(messages, log), log)
			if err != nil {
				log.Warn("Kafka 消费者初始化失败，系统将以降级模式运行（直接写入数据库）", zap.Error(err))
			} else {
				defer group.Close()
				archiver = services.NewKafkaArchiver(pool, producer, messages, log)
			}
		}
	}

	// 限流（依赖 Redis）
	var limiter ws.RateLimiter
	if redisClient != nil {
		limiter = ratelimit.NewLimiter(redisClient, log, true)
	}

	// WebSocket Hub
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(redisClient, log)
	go hub.Run(hubCtx)

	wsHandler := ws.NewHandler(hub, &ws.Coordinator{
		Identity:       identity,
		History:        messages,
		Archiver:       archiver,
		Fanout:         hub,
		Limiter:        limiter,
		MessageRule:    ratelimit.PerMinute(cfg.RateLimit.MessagesPerMinute),
		HistoryLimit:   cfg.Chat.HistoryLimit,
		PersistNotices: cfg.Chat.PersistNotices,
		Log:            log,
	}, log)

	opts := routers.Options{
		Logger:        lg,
		Health:        handlers.NewHealthHandler(startedAt, hub),
		WS:            wsHandler,
		Limiter:       limiter,
		HandshakeRule: ratelimit.PerMinute(cfg.RateLimit.HandshakesPerMinute),
	}
	if cfg.Auth.Enabled {
		opts.Auth = jwt.NewTokenManager(cfg.Auth.Secret, cfg.Auth.Issuer, time.Hour)
	}

	// 配置并创建 Gin 引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	routers.SetupRoutes(r, opts)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("正在启动服务器", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("启动服务器失败: %w", err)
		}
	case <-ctx.Done():
		log.Info("收到退出信号，开始优雅关闭")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP 服务关闭超时", zap.Error(err))
	}

	// 关闭 Hub 会断开所有连接，每个连接各自执行下线清理
	stopHub()
	<-hub.Done()
	wsHandler.Wait()

	// 先排空协程池，Kafka 发送任务需要在生产者关闭之前完成
	pool.Stop()

	// 其余资源按 defer 逆序释放：消费者、生产者、Redis、数据库
	stopConsumer()
	log.Info("服务已停止")
	return nil
}
