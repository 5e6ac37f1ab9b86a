// cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/unclebandit/cartnotify-backend/internal/config"
	"github.com/unclebandit/cartnotify-backend/internal/db"
	"github.com/unclebandit/cartnotify-backend/internal/model"
	"github.com/unclebandit/cartnotify-backend/internal/repository"
)

type seedFile struct {
	Tenants []seedTenant `yaml:"tenants"`
}

type seedTenant struct {
	ID         string              `yaml:"id"`
	ShopDomain string              `yaml:"shop_domain"`
	Name       string              `yaml:"name"`
	Inactive   bool                `yaml:"inactive"`
	Channel    model.ChannelConfig `yaml:"channel"`
}

func (s seedTenant) tenant() *model.Tenant {
	ch := s.Channel
	// expand ${VAR} so tokens can stay out of the seed file
	ch.AccessToken = os.ExpandEnv(ch.AccessToken)
	ch.AppSecret = os.ExpandEnv(ch.AppSecret)
	ch.CommerceSecret = os.ExpandEnv(ch.CommerceSecret)
	ch.WebhookVerifyToken = os.ExpandEnv(ch.WebhookVerifyToken)
	return &model.Tenant{
		ID:         s.ID,
		ShopDomain: strings.ToLower(s.ShopDomain),
		Name:       s.Name,
		IsActive:   !s.Inactive,
		Channel:    ch,
	}
}

func main() {
	file := flag.String("file", "seed/tenants.yaml", "tenant seed file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}
	cfg := config.Load()

	content, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("failed to read %s: %v", *file, err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(content, &seed); err != nil {
		log.Fatalf("failed to parse %s: %v", *file, err)
	}

	conn, err := db.Open(&cfg.Database)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal(err)
	}

	repo := repository.NewTenantRepository(conn)
	for _, st := range seed.Tenants {
		t := st.tenant()
		if err := repo.Upsert(ctx, t); err != nil {
			log.Fatalf("failed to seed tenant %s: %v", st.ShopDomain, err)
		}
		fmt.Printf("Seeded tenant: %s (%s)\n", t.ShopDomain, t.ID)
	}

	fmt.Println("Database seeding completed successfully!")
}
