package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/merchbot/broadcast-gateway/internal/config"
	"github.com/merchbot/broadcast-gateway/internal/db"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo recipients and campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// 2) connect MySQL
		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo recipients...")

		if err := seedRecipients(sqlDB); err != nil {
			return err
		}
		if err := seedCampaigns(sqlDB); err != nil {
			return err
		}

		log.Println(">> Seed completed ✅")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

// seedRecipients inserts 5 deterministic demo recipients (idempotent).
func seedRecipients(dbx *sqlx.DB) error {
	recipients := []struct {
		ChatID    int64
		Username  string
		FirstName string
	}{
		{ChatID: 1000001, Username: "alice_dev", FirstName: "Alice"},
		{ChatID: 1000002, Username: "bob_qa", FirstName: "Bob"},
		{ChatID: 1000003, Username: "carol_ops", FirstName: "Carol"},
		{ChatID: 1000004, Username: "dave_support", FirstName: "Dave"},
		{ChatID: 1000005, Username: "erin_pm", FirstName: "Erin"},
	}

	// idempotent upsert based on chat_id (UNIQUE)
	const q = `
INSERT INTO recipients
    (chat_id, username, first_name, is_active, created_at, updated_at)
VALUES
    (?, ?, ?, 1, ?, ?)
ON DUPLICATE KEY UPDATE
    username   = VALUES(username),
    first_name = VALUES(first_name),
    is_active  = VALUES(is_active),
    updated_at = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	for _, r := range recipients {
		if _, err := tx.Exec(q, r.ChatID, r.Username, r.FirstName, now, now); err != nil {
			return fmt.Errorf("insert recipient %q: %w", r.Username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recipients: %w", err)
	}
	return nil
}

// seedCampaigns creates one draft and one scheduled demo campaign,
// but only when the table is still empty.
func seedCampaigns(dbx *sqlx.DB) error {
	var n int
	if err := dbx.Get(&n, `SELECT COUNT(*) FROM campaigns`); err != nil {
		return fmt.Errorf("count campaigns: %w", err)
	}
	if n > 0 {
		return nil
	}

	const q = `
INSERT INTO campaigns
    (message_text, status, scheduled_at, sent_count, failed_count, created_at, updated_at)
VALUES
    (?, 'draft', NULL, 0, 0, NOW(), NOW()),
    (?, 'scheduled', ?, 0, 0, NOW(), NOW())
`
	_, err := dbx.Exec(q,
		"Hi! Fresh merch just landed in the store — take a look 👀",
		"Weekend sale: free shipping on every order until Sunday.",
		time.Now().Add(time.Hour),
	)
	if err != nil {
		return fmt.Errorf("insert campaigns: %w", err)
	}
	return nil
}
