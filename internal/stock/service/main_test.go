package service_test

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"

	"github.com/medflow/stock-ledger/pkg/testutil"
)

var suite *testutil.IntegrationSuite

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	suite, err = testutil.NewIntegrationSuite(ctx)
	if err != nil {
		log.Fatalf("failed to start integration suite: %v", err)
	}

	code := m.Run()

	if err := suite.Cleanup(ctx); err != nil {
		log.Printf("failed to clean up schemas: %v", err)
	}
	testutil.TerminateContainer(ctx)
	os.Exit(code)
}
