package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/ngoyal88/searchlog/pkg/cache"
	"github.com/ngoyal88/searchlog/pkg/config"
	"github.com/ngoyal88/searchlog/pkg/identity"
	"github.com/ngoyal88/searchlog/pkg/storage"
)

const envFile = ".env"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "init":
		adminKey, err := identity.GenerateKey("admin_")
		if err != nil {
			log.Fatalf("failed to generate admin key: %v", err)
		}
		if err := writeAdminKey(envFile, adminKey); err != nil {
			log.Fatalf("failed to write %s: %v", envFile, err)
		}
		fmt.Printf("AdminKey: %s\nSaved to %s (ADMIN_KEY).\n", adminKey, envFile)
	case "user":
		handleUser(os.Args[2:])
	case "searches":
		handleSearches(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("searchlog-admin commands:")
	fmt.Println("  init                 Generate admin key and store in .env")
	fmt.Println("  user                 Show one user record")
	fmt.Println("     flags: -key")
	fmt.Println("  searches             List recent searches, newest first")
	fmt.Println("     flags: -user -model -limit")
}

// writeAdminKey sets ADMIN_KEY in path, keeping any other variables.
func writeAdminKey(path, adminKey string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env["ADMIN_KEY"] = adminKey
	return godotenv.Write(env, path)
}

func mustOpenStore(ctx context.Context) storage.Store {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Storage.Driver == "memory" {
		log.Fatal("storage driver is memory; nothing to inspect from another process")
	}

	var rdb *cache.Client
	if cfg.Storage.Driver == "redis" {
		if rdb, err = cache.NewRedis(cfg.Storage.Redis); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
	}
	store, err := storage.Open(ctx, cfg.Storage, rdb)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	return store
}

func handleUser(args []string) {
	flags := flag.NewFlagSet("user", flag.ExitOnError)
	key := flags.String("key", "", "User key, e.g. email:ada@example.com")
	if err := flags.Parse(args); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}
	if *key == "" {
		log.Fatal("-key is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := mustOpenStore(ctx)
	defer store.Close()

	user, err := store.GetUser(ctx, *key)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Println("No such user")
		return
	}
	if err != nil {
		log.Fatalf("failed to get user: %v", err)
	}
	printJSON(user)
}

func handleSearches(args []string) {
	flags := flag.NewFlagSet("searches", flag.ExitOnError)
	user := flags.String("user", "", "Only searches by this user key")
	model := flags.String("model", "", "Only searches for this model")
	limit := flags.Int("limit", 20, "Maximum number of searches")
	if err := flags.Parse(args); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := mustOpenStore(ctx)
	defer store.Close()

	searches, err := store.ListSearches(ctx, storage.SearchFilter{UserKey: *user, Model: *model, Limit: *limit})
	if err != nil {
		log.Fatalf("failed to list searches: %v", err)
	}
	if len(searches) == 0 {
		fmt.Println("No searches found")
		return
	}
	for i, s := range searches {
		fmt.Printf("%d) %s user=%s model=%s status=%s %q\n",
			i+1, s.Timestamp.Format(time.RFC3339), s.UserKey, s.Model, s.Status, s.Message)
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
