package main

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/rajivgeraev/flippy-chat/internal/db"
)

// Использование: migrate [up | down [steps] | version]
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		if err := db.MigrateUp(dbURL); err != nil {
			log.Fatal(err)
		}
		log.Println("Migration up successful")

	case "down":
		steps := 0
		if len(os.Args) > 2 {
			n, err := strconv.Atoi(os.Args[2])
			if err != nil || n < 0 {
				log.Fatalf("invalid steps %q", os.Args[2])
			}
			steps = n
		}
		if err := db.MigrateDown(dbURL, steps); err != nil {
			log.Fatal(err)
		}
		log.Println("Migration down successful")

	case "version":
		m, err := db.NewMigrator(dbURL)
		if err != nil {
			log.Fatal(err)
		}
		defer m.Close()
		version, dirty, err := m.Version()
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("version=%d dirty=%t", version, dirty)

	default:
		log.Fatalf("unknown command %q (want up, down or version)", cmd)
	}
}
