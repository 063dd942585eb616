//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/takbridge/db/migrations"
	"github.com/coachpo/takbridge/internal/domain/destination"
	"github.com/coachpo/takbridge/internal/infra/config"
	"github.com/coachpo/takbridge/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/takbridge/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "takbridge"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/takbridge?sslmode=disable", host, port.Port())

	logger := log.New(io.Discard, "", 0)
	if err := migrations.ApplyFS(ctx, dsn, dbmigrations.Files, logger); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// A second run must be a no-op.
	if err := migrations.ApplyFS(ctx, dsn, dbmigrations.Files, logger); err != nil {
		return fmt.Errorf("reapply migrations: %w", err)
	}

	pool, err := pgstore.Connect(ctx, config.DatabaseConfig{DSN: dsn, MaxConns: 4, MinConns: 1})
	if err != nil {
		return err
	}
	testPool = pool
	return nil
}

func TestDestinationStoreContract(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool).Destinations()

	seeded, err := store.Seed(ctx, []destination.Destination{
		{ID: 1, Name: "alpha", Host: "tak-a.local", Port: 8087, Transport: destination.TransportTCP, VerifyPeer: true, Enabled: true},
		{ID: 2, Host: "tak-b.local", Port: 8089, Transport: destination.TransportTLS, Enabled: false,
			ClientCert: &destination.CertBundle{Format: destination.CertFormatP12, P12: []byte{1, 2, 3}, Password: "atakatak"}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, seeded)

	again, err := store.Seed(ctx, []destination.Destination{{ID: 3, Host: "tak-c.local", Port: 1}})
	require.NoError(t, err)
	require.Zero(t, again)

	all, err := store.LoadDestinations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "alpha", all[0].Name)
	require.False(t, all[1].Enabled)
	require.NotNil(t, all[1].ClientCert)
	require.Equal(t, "atakatak", all[1].ClientCert.Password)
	require.Equal(t, []byte{1, 2, 3}, all[1].ClientCert.P12)

	updated := all[0]
	updated.Port = 9000
	updated.Transport = destination.TransportTLS
	require.NoError(t, store.SaveDestination(ctx, updated))
	got, err := store.LoadDestination(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 9000, got.Port)
	require.Equal(t, destination.TransportTLS, got.Transport)
	require.Nil(t, got.ClientCert)

	require.Error(t, store.SaveDestination(ctx, destination.Destination{ID: 4, Host: "x", Port: 70000}))

	require.NoError(t, store.DeleteDestination(ctx, 2))
	require.True(t, errors.Is(store.DeleteDestination(ctx, 2), destination.ErrNotFound))
	_, err = store.LoadDestination(ctx, 2)
	require.ErrorIs(t, err, destination.ErrNotFound)
}
