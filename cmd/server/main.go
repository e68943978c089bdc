// Package main 是应用程序的入口点。
package main

import (
	"better-dev-go/internal/assembler"
	"better-dev-go/internal/config"
	"better-dev-go/internal/handler"
	"better-dev-go/internal/middleware"
	"better-dev-go/internal/mode"
	"better-dev-go/internal/model"
	"better-dev-go/internal/pipeline"
	"better-dev-go/internal/repository"
	"better-dev-go/internal/service"
	"better-dev-go/pkg/database"
	"better-dev-go/pkg/es"
	"better-dev-go/pkg/kafka"
	"better-dev-go/pkg/llm"
	"better-dev-go/pkg/log"
	"better-dev-go/pkg/ocr"
	"better-dev-go/pkg/storage"
	"better-dev-go/pkg/tasks"
	"better-dev-go/pkg/tika"
	"better-dev-go/pkg/token"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 后台组件（任务队列、分类缓存清理、Kafka 消费者）共用的生命周期上下文
	appCtx, stopApp := context.WithCancel(context.Background())
	defer stopApp()

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.AutoMigrate(&model.User{}, &model.Conversation{}, &model.Message{}, &model.Attachment{})
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	defer database.CloseRedis()

	// 4. 初始化外部依赖：存储、索引、OCR、Tika、LLM
	backend := newStorageBackend(appCtx, cfg)

	var (
		indexer      pipeline.TextIndexer
		indexDeleter service.IndexDeleter
	)
	if cfg.Elasticsearch.Enabled {
		index, err := es.NewAttachmentIndex(cfg.Elasticsearch)
		if err != nil {
			log.Errorf("es 初始化失败 %s", err)
			return
		}
		indexer, indexDeleter = index, index
	}

	ocrEngine := ocr.NewEngine(cfg.OCR)
	defer func() {
		if err := ocrEngine.Close(); err != nil {
			log.Warnf("关闭 OCR 引擎失败: %v", err)
		}
	}()
	tikaClient := tika.NewClient(cfg.Tika)
	llmClient := llm.NewClient(cfg.LLM)

	classificationCache := mode.NewClassificationCache(cfg.ClassificationCache)
	classificationCache.Start(appCtx)
	defer classificationCache.Close()
	classifier := mode.NewClassifier(llmClient, classificationCache, cfg.Classifier)
	resolver := mode.NewResolver(classifier, cfg.Modes)

	// 5. 初始化 Repository
	userRepository := repository.NewUserRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)
	attachmentRepo := repository.NewAttachmentRepository(database.DB)
	tokenBlacklist := repository.NewTokenBlacklist(database.RDB)

	// 6. 初始化附件抽取管道 (Processor) 和任务调度
	processor := pipeline.NewProcessor(attachmentRepo, backend, ocrEngine, tikaClient, indexer, cfg.Attachment)

	var (
		dispatcher tasks.Dispatcher
		stopTasks  func()
	)
	switch cfg.Tasks.Driver {
	case "kafka":
		producer := kafka.NewProducer(cfg.Kafka)
		dispatcher = producer
		go kafka.StartConsumer(appCtx, cfg.Kafka, processor, database.RDB)
		stopTasks = func() {
			if err := producer.Close(); err != nil {
				log.Warnf("关闭 Kafka 生产者失败: %v", err)
			}
		}
	default:
		queue := tasks.NewLocalQueue(cfg.Tasks.Workers, cfg.Tasks.QueueSize)
		queue.Start(appCtx, processor)
		dispatcher = queue
		// 等待 worker 处理完队列中剩余的任务
		stopTasks = queue.Close
	}

	// 上次退出时未处理的附件重新入队
	if _, err := pipeline.RequeuePending(appCtx, attachmentRepo, dispatcher, cfg.Tasks.QueueSize); err != nil {
		log.Warnf("重新投递待处理附件失败: %v", err)
	}

	// 7. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	contextAssembler := assembler.New(messageRepo, attachmentRepo, backend, cfg.Context)

	userService := service.NewUserService(userRepository, tokenBlacklist, jwtManager)
	conversationService := service.NewConversationService(conversationRepo, messageRepo, attachmentRepo, backend, indexDeleter)
	attachmentService := service.NewAttachmentService(conversationRepo, attachmentRepo, backend, dispatcher, processor, indexDeleter, cfg.Attachment)
	chatService := service.NewChatService(
		conversationRepo,
		messageRepo,
		attachmentRepo,
		contextAssembler,
		resolver,
		llmClient,
		cfg.Chat,
		cfg.LLM.TitleModel,
	)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	userHandler := handler.NewUserHandler(userService)
	conversationHandler := handler.NewConversationHandler(conversationService)
	attachmentHandler := handler.NewAttachmentHandler(attachmentService, cfg.Attachment.MaxFileSize)
	authRequired := middleware.AuthMiddleware(jwtManager, userService)

	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", handler.NewAuthHandler(userService).RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的路由 (仅限登录用户访问)
			authed := users.Group("/")
			authed.Use(authRequired)
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.POST("/logout", userHandler.Logout)
			}
		}

		// Conversation 路由组，需要认证
		conversations := apiV1.Group("/conversations")
		conversations.Use(authRequired)
		{
			conversations.POST("", conversationHandler.Create)
			conversations.GET("", conversationHandler.List)
			conversations.GET("/:id", conversationHandler.Get)
			conversations.PATCH("/:id/mode", conversationHandler.UpdateMode)
			conversations.PATCH("/:id/system-prompt", conversationHandler.UpdateSystemPrompt)
			conversations.DELETE("/:id", conversationHandler.Delete)
			conversations.POST("/:id/attachments", attachmentHandler.Upload)
		}

		// Attachment 路由组，需要认证
		attachments := apiV1.Group("/attachments")
		attachments.Use(authRequired)
		{
			attachments.GET("/:id", attachmentHandler.Get)
			attachments.DELETE("/:id", attachmentHandler.Delete)
		}
	}
	// Chat 路由 (WebSocket)，token 通过路径传递
	r.GET("/chat/:token", handler.NewChatHandler(chatService, userService, jwtManager).Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 先排空抽取任务，再停止其余后台组件；剩余资源由上面的 defer 依次释放
	stopTasks()
	stopApp()
	log.Info("服务已优雅关闭")
}

// newStorageBackend 按配置选择 MinIO 或本地文件系统作为附件存储。
func newStorageBackend(ctx context.Context, cfg config.Config) storage.Backend {
	if cfg.Storage.Driver == "minio" {
		backend, err := storage.NewMinIOBackend(ctx, cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		return backend
	}
	backend, err := storage.NewLocalBackend(cfg.Storage.LocalRoot)
	if err != nil {
		log.Fatal("本地存储初始化失败", err)
	}
	return backend
}
