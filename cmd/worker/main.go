package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cartahq/carta/backend/internal/queue"
	"github.com/cartahq/carta/backend/internal/storage"
	"github.com/cartahq/carta/backend/internal/util"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cartahq/carta/backend/pkg/ai"
	oai "github.com/cartahq/carta/backend/pkg/ai/ollama"
	cai "github.com/cartahq/carta/backend/pkg/ai/openai"
	"github.com/cartahq/carta/backend/pkg/dedupe"
	"github.com/cartahq/carta/backend/pkg/extract"
	"github.com/cartahq/carta/backend/pkg/gap"
	"github.com/cartahq/carta/backend/pkg/leaselock"
	"github.com/cartahq/carta/backend/pkg/logger"
	"github.com/cartahq/carta/backend/pkg/logger/console"
	pgstore "github.com/cartahq/carta/backend/pkg/store/pgx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	// Init s3 client
	s3Client := storage.NewS3Client(ctx)

	// CareerAIClient
	adapter := util.GetEnv("AI_ADAPTER")
	var aiClient ai.CareerAIClient

	switch adapter {
	case "ollama":
		client, err := oai.NewCareerOllamaClient(oai.NewCareerOllamaClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		aiClient = client
	default:
		aiClient = cai.NewCareerOpenAIClient(cai.NewCareerOpenAIClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		})
	}

	// Init pgx client
	pgCfg, err := pgxpool.ParseConfig(util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Invalid database config", "err", err)
	}
	pgCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pgConn, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	resolver := dedupe.NewResolver(dedupe.NewResolverParams{
		Threshold: util.GetEnvNumeric("DEDUPE_THRESHOLD", 0),
	})
	graphStore := pgstore.NewStore(pgstore.NewStoreParams{
		Conn:     pgConn,
		Resolver: resolver,
	})

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	pipeline := queue.NewPipeline(queue.NewPipelineParams{
		Store: graphStore,
		Extractor: extract.NewExtractor(extract.NewExtractorParams{
			Client:    aiClient,
			Method:    util.GetEnvString("EXTRACT_METHOD", "llm-structured-v1"),
			MaxTokens: int(util.GetEnvNumeric("EXTRACT_MAX_TOKENS", 600)),
			Parallel:  int(util.GetEnvNumeric("EXTRACT_PARALLEL", 4)),
		}),
		Resolver:  resolver,
		Analyzer:  gap.NewAnalyzer(gap.NewAnalyzerParams{}),
		Objects:   queue.NewS3ObjectStore(s3Client),
		Publisher: queue.NewAMQPPublisher(ch),
		Locks:     leaselock.New(pgConn),
	})

	dispatcher, err := queue.NewDispatcher(int(util.GetEnvNumeric("WORKER_POOL_SIZE", 8)))
	if err != nil {
		logger.Fatal("Failed to create dispatcher", "err", err)
	}
	defer dispatcher.Release()

	logger.Info("Listening for messages")

	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	prefetch := int(util.GetEnvNumeric("WORKER_PREFETCH", 8))
	if err := consumerCh.Qos(prefetch, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}

	messageChan := make(chan queuedMessage)

	for _, queueName := range queue.PipelineQueues {
		go func(qName string) {
			consumerTag := fmt.Sprintf("%s_consumer", qName)
			msgs, err := consumerCh.Consume(
				qName,
				consumerTag,
				false, // autoAck
				false, // exclusive
				false, // noLocal
				false, // noWait
				nil,   // args
			)
			if err != nil {
				logger.Fatal("Failed to start consuming", "queue", qName, "err", err)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	maxRetries := int32(util.GetEnvNumeric("QUEUE_MAX_RETRIES", 10))

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				handler := pipeline.Handler(qm.queueName)
				if handler == nil {
					logger.Error("No handler for queue", "queue", qm.queueName)
					_ = qm.msg.Ack(false)
					continue
				}

				// Route by tenant so one tenant's events stay ordered
				// while other tenants proceed in parallel.
				tenantID := "unknown"
				if env, err := queue.ParseEnvelope(qm.msg.Body); err == nil {
					tenantID = env.TenantID
				}

				err := dispatcher.Submit(tenantID, func() {
					startTime := time.Now()
					logger.Info("Received message", "queue", qm.queueName, "tenant", tenantID)

					if processingErr := handler(ctx, qm.msg.Body); processingErr != nil {
						logger.Error("Error processing message",
							"queue", qm.queueName, "err", processingErr)
						queue.HandleProcessingError(consumerCh, qm.msg, qm.queueName, maxRetries)
					} else {
						if err := qm.msg.Ack(false); err != nil {
							logger.Error("Failed to ack message", "err", err)
						}
					}

					metrics := aiClient.GetMetrics()
					logger.Info(
						"Processed message",
						"queue", qm.queueName,
						"duration", time.Since(startTime).Round(time.Millisecond),
						"ai_input_tokens", metrics.InputTokens,
						"ai_output_tokens", metrics.OutputTokens,
						"ai_total_tokens", metrics.TotalTokens,
					)
					aiClient.ResetMetrics()
				})
				if err != nil {
					logger.Error("Failed to dispatch message", "queue", qm.queueName, "err", err)
					_ = qm.msg.Nack(false, true)
				}
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}
