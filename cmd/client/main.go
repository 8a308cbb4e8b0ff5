package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"sealchat/internal/protocol/envelope"
	"sealchat/internal/protocol/repair"
	messageRepo "sealchat/internal/repository/message"
	"sealchat/internal/service/api"
	"sealchat/internal/service/delivery"
	"sealchat/internal/service/keyresolver"
	"sealchat/internal/service/keystore"
	redisSvc "sealchat/internal/service/redis"
	"sealchat/internal/service/transport"
	"sealchat/internal/utils/log"
)

func main() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: client <userId> <chatId> <peerId,peerId,...>")
		os.Exit(1)
	}

	userID := os.Args[1]
	chatID := os.Args[2]
	participants := strings.Split(os.Args[3], ",")

	apiURL := envOr("SEALCHAT_API", "http://localhost:9090")
	wsURL := envOr("SEALCHAT_WS", "ws://localhost:9090/rt")
	token := os.Getenv("SEALCHAT_TOKEN")
	deviceID := uuid.NewString()

	mongoDBClient, err := initMongo()
	if err != nil {
		log.Fatal("connect mongo failed", zap.Error(err))
	}
	db := mongoDBClient.Database("sealchat")

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     envOr("SEALCHAT_REDIS", "localhost:6379"),
		Password: "",
		DB:       0,
	})
	redis := redisSvc.NewRedis(rdb)

	ctx := context.Background()

	apiClient := api.NewClient(apiURL)
	keys := keystore.New(keystore.NewMemorySecureStore(), apiClient, deviceID, keystore.Config{})
	resolver := keyresolver.New(apiClient, redisSvc.NewKeyCache(redis))
	engine := envelope.NewEngine(keys, resolver)
	tr := transport.New(transport.Config{URL: wsURL})

	repo := messageRepo.NewMessageRepo(db)
	cfg := delivery.Config{SelfUserID: userID, DeviceID: deviceID, Token: token}
	deliverySvc := delivery.New(engine, tr, apiClient, repo, cfg)
	repairMgr := repair.New(engine, resolver, tr, apiClient, repair.Config{
		SelfUserID: userID,
		DeviceID:   deviceID,
		Token:      token,
	})
	deliverySvc.SetRepairRequester(repairMgr)

	var password string
	fmt.Print("Enter passphrase: ")
	if _, err := fmt.Scan(&password); err != nil {
		fmt.Println("error:", err)
		return
	}
	if _, err := keys.Bootstrap(ctx, password, token); err != nil {
		log.Fatal("identity bootstrap failed", zap.Error(err))
	}

	if err := tr.Connect(token, deviceID); err != nil {
		log.Fatal("transport connect failed", zap.Error(err))
	}
	deliverySvc.Start()
	repairMgr.Start()

	if err := deliverySvc.Join(chatID); err != nil {
		log.Error("chat join failed", zap.Error(err))
	}
	// Cached transcript first, so the screen is not empty while the server
	// history loads (or when it cannot).
	if err := deliverySvc.LoadCached(ctx, chatID); err != nil {
		log.Error("cached transcript load failed", zap.Error(err))
	}
	if _, _, err := deliverySvc.LoadHistory(ctx, chatID, ""); err != nil {
		log.Error("history load failed", zap.Error(err))
	}

	ui := newChatUI(deliverySvc, chatID, participants, userID)
	ui.run()

	repairMgr.Close()
	deliverySvc.Close()
	tr.Shutdown()
	log.Sync()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func initMongo() (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(envOr("SEALCHAT_MONGO", "mongodb://localhost:27017")))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
