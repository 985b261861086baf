package main

import (
	"log"
	"os"

	"docsbot_back/authorization"
	"docsbot_back/bots"
	"docsbot_back/cache"
	"docsbot_back/questions"
	"docsbot_back/queue"
	"docsbot_back/sources"
	"docsbot_back/storage"
	"docsbot_back/teams"
	"docsbot_back/vectorstore"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.Default())

	redisClient, err := cache.NewClientFromEnv()
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer redisClient.Close()

	publisher, err := queue.NewPublisher(redisClient)
	if err != nil {
		log.Fatalf("create queue publisher: %v", err)
	}

	vectors, err := vectorstore.NewClientFromEnv()
	if err != nil {
		log.Fatalf("connect vector store: %v", err)
	}

	documents, err := storage.NewDocumentStorageFromEnv()
	if err != nil {
		log.Fatalf("connect document storage: %v", err)
	}

	authModule, err := authorization.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register auth routes: %v", err)
	}
	guard := authModule.Guard()

	teamsModule, err := teams.RegisterRoutes(r, guard)
	if err != nil {
		log.Fatalf("register team routes: %v", err)
	}

	if _, err := bots.RegisterRoutes(r, guard, teamsModule, vectors, documents); err != nil {
		log.Fatalf("register bot routes: %v", err)
	}

	if _, err := sources.RegisterRoutes(r, guard, teamsModule, publisher, vectors, documents); err != nil {
		log.Fatalf("register source routes: %v", err)
	}

	if _, err := questions.RegisterRoutes(r, guard, teamsModule, publisher); err != nil {
		log.Fatalf("register question routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
