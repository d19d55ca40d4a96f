package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nhartman/parley/internal/auth"
	"github.com/nhartman/parley/internal/config"
	"github.com/nhartman/parley/internal/engine"
	"github.com/nhartman/parley/internal/store"
)

// parley is a headless client: it signs in, streams the conversation list
// and prints every committed update. Useful for smoke-testing a deployment
// without the mobile app.
func main() {
	cfg := config.Load()

	if cfg.JWTSecret != "" {
		auth.InitJWTKey([]byte(cfg.JWTSecret))
	}

	token := cfg.Token
	if token == "" {
		// Development convenience: mint a throwaway identity.
		var err error
		token, _, err = auth.GenerateToken(uuid.NewString(), "parley-cli")
		if err != nil {
			log.Fatalf("Failed to generate dev token: %v", err)
		}
		log.Println("PARLEY_TOKEN not set, using a throwaway dev identity")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	claims, err := auth.ValidateToken(token)
	if err != nil {
		log.Fatalf("Invalid session token: %v", err)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	st, err := store.NewMongoStore(connectCtx, store.MongoOptions{
		MongoURL:      cfg.MongoURL,
		Database:      cfg.MongoDatabase,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		ViewerID:      claims.UserID,
	})
	connectCancel()
	if err != nil {
		log.Fatalf("Failed to connect to store: %v", err)
	}
	defer st.Close()
	log.Printf("Connected to store as %s", claims.UserID)

	session, err := engine.NewSession(ctx, st, token, engine.SessionOptions{})
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}

	list, err := session.Conversations(ctx)
	if err != nil {
		log.Fatalf("Failed to subscribe to conversations: %v", err)
	}

	go func() {
		for snapshot := range list.Updates() {
			fmt.Printf("--- %d conversations ---\n", len(snapshot))
			for _, conv := range snapshot {
				title := conv.GroupName
				if title == "" {
					title = conv.ID
				}
				fmt.Printf("%-30s %s  %s\n", title, conv.LastMessageTimestamp.Format(time.RFC3339), conv.LastMessage)
			}
		}
	}()

	// Wait for interrupt, then leave cleanly so the offline presence and
	// any pending acknowledgements go out.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	session.Close(shutdownCtx)
	cancel()

	log.Println("Session closed")
}
