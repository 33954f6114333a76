//go:build integration

package postgres_test

import (
	"os"
	"testing"

	"github.com/atlaschat/sigsend/store/postgres"
	"github.com/atlaschat/sigsend/store/storetest"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set; skipping integration test")
	}

	storetest.TestStore(t, func() storetest.Store {
		s, err := postgres.New(dsn)
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}
