//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/docker/go-connections/nat"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tangent-Apps/tangent-relay/internal/billing"
	"github.com/Tangent-Apps/tangent-relay/internal/consent"
	"github.com/Tangent-Apps/tangent-relay/internal/core"
	"github.com/Tangent-Apps/tangent-relay/internal/repository"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "relay_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/relay_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/relay_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	// Run goose migrations.
	migrationsDir, err := findMigrationsDir()
	if err != nil {
		log.Printf("find migrations: %v", err)
		return 1
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	// Create pgxpool for repository usage.
	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

// findMigrationsDir walks up from the working directory until it finds a
// migrations/ directory (the repository root contains it).
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func newInstallID(suffix string) string {
	return fmt.Sprintf("install-%s-%s", suffix, randID())
}

// ---------------------------------------------------------------------------
// Consent state
// ---------------------------------------------------------------------------

func TestConsentPersistence(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("missing install returns ErrNotFound", func(t *testing.T) {
		_, _, err := repo.LoadConsent(ctx, newInstallID("consent-missing"))
		if !errors.Is(err, consent.ErrNotFound) {
			t.Fatalf("LoadConsent error = %v, want consent.ErrNotFound", err)
		}
	})

	t.Run("save and load round trip", func(t *testing.T) {
		installID := newInstallID("consent-save")

		if err := repo.SaveConsent(ctx, installID, consent.StatusAuthorized, true); err != nil {
			t.Fatalf("SaveConsent: %v", err)
		}

		status, prompted, err := repo.LoadConsent(ctx, installID)
		if err != nil {
			t.Fatalf("LoadConsent: %v", err)
		}
		if status != consent.StatusAuthorized {
			t.Errorf("status = %q, want %q", status, consent.StatusAuthorized)
		}
		if !prompted {
			t.Error("prompted = false, want true")
		}
	})

	t.Run("save overwrites previous state", func(t *testing.T) {
		installID := newInstallID("consent-upsert")

		if err := repo.SaveConsent(ctx, installID, consent.StatusNotDetermined, false); err != nil {
			t.Fatalf("SaveConsent initial: %v", err)
		}
		if err := repo.SaveConsent(ctx, installID, consent.StatusDenied, true); err != nil {
			t.Fatalf("SaveConsent update: %v", err)
		}

		status, prompted, err := repo.LoadConsent(ctx, installID)
		if err != nil {
			t.Fatalf("LoadConsent: %v", err)
		}
		if status != consent.StatusDenied || !prompted {
			t.Errorf("state = %q/%t, want denied/true", status, prompted)
		}
	})
}

// ---------------------------------------------------------------------------
// Entitlement snapshots
// ---------------------------------------------------------------------------

func TestSnapshotPersistence(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("missing install returns ErrNoSnapshot", func(t *testing.T) {
		_, err := repo.LoadSnapshot(ctx, newInstallID("snap-missing"))
		if !errors.Is(err, billing.ErrNoSnapshot) {
			t.Fatalf("LoadSnapshot error = %v, want billing.ErrNoSnapshot", err)
		}
	})

	t.Run("save and load round trip", func(t *testing.T) {
		installID := newInstallID("snap-save")

		want := core.EntitlementSnapshot{
			Entitlements:  []string{"Pro"},
			Subscriptions: []string{"plan.monthly"},
			PeriodType:    core.PeriodTrial,
		}
		if err := repo.SaveSnapshot(ctx, installID, want); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}

		got, err := repo.LoadSnapshot(ctx, installID)
		if err != nil {
			t.Fatalf("LoadSnapshot: %v", err)
		}
		if len(got.Entitlements) != 1 || got.Entitlements[0] != "Pro" {
			t.Errorf("Entitlements = %v, want [Pro]", got.Entitlements)
		}
		if len(got.Subscriptions) != 1 || got.Subscriptions[0] != "plan.monthly" {
			t.Errorf("Subscriptions = %v, want [plan.monthly]", got.Subscriptions)
		}
		if got.PeriodType != core.PeriodTrial {
			t.Errorf("PeriodType = %q, want %q", got.PeriodType, core.PeriodTrial)
		}
	})

	t.Run("save replaces previous snapshot", func(t *testing.T) {
		installID := newInstallID("snap-replace")

		first := core.EntitlementSnapshot{
			Entitlements: []string{"Pro"},
			PeriodType:   core.PeriodTrial,
		}
		if err := repo.SaveSnapshot(ctx, installID, first); err != nil {
			t.Fatalf("SaveSnapshot first: %v", err)
		}

		second := core.EntitlementSnapshot{PeriodType: core.PeriodNone}
		if err := repo.SaveSnapshot(ctx, installID, second); err != nil {
			t.Fatalf("SaveSnapshot second: %v", err)
		}

		got, err := repo.LoadSnapshot(ctx, installID)
		if err != nil {
			t.Fatalf("LoadSnapshot: %v", err)
		}
		if len(got.Entitlements) != 0 {
			t.Errorf("Entitlements = %v, want empty", got.Entitlements)
		}
		if got.PeriodType != core.PeriodNone {
			t.Errorf("PeriodType = %q, want %q", got.PeriodType, core.PeriodNone)
		}
	})
}

// ---------------------------------------------------------------------------
// Event journal
// ---------------------------------------------------------------------------

func TestEventJournal(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("append and list", func(t *testing.T) {
		installID := newInstallID("journal")

		event := core.Event{
			Name:   core.EventAppLaunched,
			Source: "client",
			Properties: map[string]any{
				"cold_start": true,
			},
		}
		if err := repo.AppendEvent(ctx, installID, event); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}

		entries, err := repo.ListEventsSince(ctx, 0)
		if err != nil {
			t.Fatalf("ListEventsSince: %v", err)
		}

		var found *repository.JournalEntry
		for i := range entries {
			if entries[i].InstallID == installID {
				found = &entries[i]
				break
			}
		}
		if found == nil {
			t.Fatal("appended event not found in ListEventsSince results")
		}
		if found.Name != string(core.EventAppLaunched) {
			t.Errorf("Name = %q, want %q", found.Name, core.EventAppLaunched)
		}
		if found.Source != "client" {
			t.Errorf("Source = %q, want %q", found.Source, "client")
		}
		if found.EventID == 0 {
			t.Error("EventID = 0, want nonzero")
		}
		if found.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}

		var props map[string]any
		if err := json.Unmarshal(found.Payload, &props); err != nil {
			t.Fatalf("unmarshal payload: %v (raw: %s)", err, string(found.Payload))
		}
		if props["cold_start"] != true {
			t.Errorf("payload = %v, want cold_start=true", props)
		}
	})

	t.Run("list since filters by event ID", func(t *testing.T) {
		installID := newInstallID("journal-filter")

		for _, name := range []core.EventName{core.EventSessionStart, core.EventSessionEnd} {
			if err := repo.AppendEvent(ctx, installID, core.Event{Name: name, Source: "client"}); err != nil {
				t.Fatalf("AppendEvent %q: %v", name, err)
			}
		}

		all, err := repo.ListEventsSince(ctx, 0)
		if err != nil {
			t.Fatalf("ListEventsSince: %v", err)
		}
		var mine []repository.JournalEntry
		for _, e := range all {
			if e.InstallID == installID {
				mine = append(mine, e)
			}
		}
		if len(mine) != 2 {
			t.Fatalf("got %d events for install, want 2", len(mine))
		}

		after, err := repo.ListEventsSince(ctx, mine[0].EventID)
		if err != nil {
			t.Fatalf("ListEventsSince after first: %v", err)
		}
		for _, e := range after {
			if e.EventID <= mine[0].EventID {
				t.Errorf("EventID %d not greater than cursor %d", e.EventID, mine[0].EventID)
			}
		}
	})

	t.Run("batch size caps result set", func(t *testing.T) {
		capped := repository.NewPostgresRepository(testPool, repository.WithEventBatchSize(1))
		installID := newInstallID("journal-batch")

		for range 3 {
			if err := capped.AppendEvent(ctx, installID, core.Event{Name: core.EventFeatureUsed, Source: "client"}); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
		}

		entries, err := capped.ListEventsSince(ctx, 0)
		if err != nil {
			t.Fatalf("ListEventsSince: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("got %d entries, want 1", len(entries))
		}
	})
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestAPIKeys(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	newKey := func(t *testing.T) (string, string) {
		t.Helper()
		keyID := fmt.Sprintf("key-%s", randID())
		rawSecret := fmt.Sprintf("secret-%s", randID())
		hashBytes, err := bcrypt.GenerateFromPassword([]byte(rawSecret), bcrypt.DefaultCost)
		if err != nil {
			t.Fatalf("hash api key: %v", err)
		}
		if _, err := repo.CreateAPIKey(ctx, keyID, "test-key", string(hashBytes)); err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}
		return keyID, rawSecret
	}

	t.Run("validate correct secret", func(t *testing.T) {
		keyID, rawSecret := newKey(t)

		keyHash, err := repo.ValidateAPIKey(ctx, keyID)
		if err != nil {
			t.Fatalf("ValidateAPIKey: %v", err)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(rawSecret)); err != nil {
			t.Errorf("bcrypt hash mismatch: %v", err)
		}
	})

	t.Run("validate nonexistent key returns error", func(t *testing.T) {
		_, err := repo.ValidateAPIKey(ctx, "nonexistent-key-id")
		if err == nil {
			t.Fatal("expected error for nonexistent key, got nil")
		}
	})

	t.Run("revoked key fails validation", func(t *testing.T) {
		keyID, _ := newKey(t)

		if err := repo.RevokeAPIKey(ctx, keyID); err != nil {
			t.Fatalf("RevokeAPIKey: %v", err)
		}

		_, err := repo.ValidateAPIKey(ctx, keyID)
		if err == nil {
			t.Fatal("expected error for revoked key, got nil")
		}
	})

	t.Run("revoking twice returns ErrNoRows", func(t *testing.T) {
		keyID, _ := newKey(t)

		if err := repo.RevokeAPIKey(ctx, keyID); err != nil {
			t.Fatalf("first RevokeAPIKey: %v", err)
		}
		err := repo.RevokeAPIKey(ctx, keyID)
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("second RevokeAPIKey error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})
}
