package store

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
)

// Set MINICHAT_MYSQL_DSN to a scratch database, e.g.
// root:@tcp(127.0.0.1:3306)/minichat_test?parseTime=true&charset=utf8mb4
func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("MINICHAT_MYSQL_DSN")
	if dsn == "" {
		t.Skip("MINICHAT_MYSQL_DSN is not set")
	}

	runStoreTests(t, func(t *testing.T) IRoomStore {
		db, err := sql.Open("mysql", dsn)
		require.NoError(t, err)

		s := NewMySQLStore(db)
		require.NoError(t, s.Migrate(context.Background()))
		for _, table := range []string{"rooms", "messages", "presence", "typing"} {
			_, err := db.Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = db.Close() })
		return s
	})
}
