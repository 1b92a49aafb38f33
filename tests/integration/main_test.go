package integration

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"
)

var testDB *TestDB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := SetupTestDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test database: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()

	if err := testDB.Teardown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to tear down test database: %v\n", err)
	}

	os.Exit(code)
}

// freshServer truncates all tables and spins up a server wired to the shared
// container database
func freshServer(t *testing.T) *TestServer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	if err := testDB.CleanupTables(context.Background()); err != nil {
		t.Fatalf("failed to clean tables: %v", err)
	}

	ts := NewTestServer(testDB.DB)
	t.Cleanup(ts.Close)
	return ts
}
