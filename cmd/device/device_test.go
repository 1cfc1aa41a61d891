package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/httpapi"
	"ledgerpos/backend/internal/service"
	"ledgerpos/backend/internal/store/memory"
	"ledgerpos/backend/internal/syncengine"
	"ledgerpos/backend/internal/syncqueue"
)

const deviceUser = "toko-1"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(zaptest.NewLogger(t))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setupDeviceEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DEVICE_DB_PATH", filepath.Join(t.TempDir(), "device.db"))
	t.Setenv("DEVICE_USER_ID", deviceUser)
	t.Setenv("REMOTE_BASE_URL", "")
	t.Setenv("DEVICE_TOKEN", "")
	t.Setenv("ENFORCE_NO_NEGATIVE_STOCK", "true")
}

func startBackend(t *testing.T) *memory.ServerStore {
	t.Helper()
	repo := memory.NewServer()
	svc := service.New(repo, nil, 0, zaptest.NewLogger(t))
	const secret = "device-test-secret-0123456789abcdef"
	auth := httpapi.NewAuthManager(secret)
	server := httptest.NewServer(httpapi.New(svc, auth, "*", zaptest.NewLogger(t)).Handler())
	t.Cleanup(server.Close)

	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   deviceUser,
		Issuer:    "ledgerpos",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	t.Setenv("REMOTE_BASE_URL", server.URL)
	t.Setenv("DEVICE_TOKEN", token)
	return repo
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := newRootCommand(nil)
	for _, path := range [][]string{
		{"run"}, {"sync"}, {"schema"},
		{"queue", "stats"}, {"queue", "failed"}, {"queue", "retry"}, {"queue", "purge"},
		{"record", "product"}, {"record", "sale"}, {"record", "purchase"}, {"record", "expense"}, {"record", "adjust"},
		{"report", "low-stock"}, {"report", "sales"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
}

func TestRecordAndSyncAgainstBackend(t *testing.T) {
	setupDeviceEnv(t)
	repo := startBackend(t)

	out, err := execute(t, "record", "product", "--name", "Kopi Bubuk 200g", "--price", "12000", "--cost", "9000", "--stock", "10")
	require.NoError(t, err, out)
	var product domain.Product
	require.NoError(t, json.Unmarshal([]byte(out), &product))
	require.Equal(t, 10, product.CurrentStock)

	out, err = execute(t, "record", "sale", "--item", strconv.FormatInt(product.ID, 10)+":3", "--custom", "Kantong plastik:1:500")
	require.NoError(t, err, out)
	var sale domain.Sale
	require.NoError(t, json.Unmarshal([]byte(out), &sale))
	assert.True(t, sale.TotalAmount.Equal(decimal.NewFromInt(36500)))
	assert.True(t, sale.Balance.IsZero())

	out, err = execute(t, "queue", "stats")
	require.NoError(t, err, out)
	var stats syncqueue.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, syncqueue.Stats{Pending: 2}, stats)

	out, err = execute(t, "sync")
	require.NoError(t, err, out)
	var result syncengine.CycleResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 2, result.Synced)

	remoteProduct, err := repo.GetProduct(context.Background(), deviceUser, product.UID)
	require.NoError(t, err)
	assert.Equal(t, 7, remoteProduct.CurrentStock)

	out, err = execute(t, "queue", "stats")
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, syncqueue.Stats{Synced: 2}, stats)

	out, err = execute(t, "sync")
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Zero(t, result.Sent)
}

func TestOversellIsRefusedLocally(t *testing.T) {
	setupDeviceEnv(t)

	out, err := execute(t, "record", "product", "--name", "Sabun Batang", "--price", "4000", "--stock", "1")
	require.NoError(t, err, out)
	var product domain.Product
	require.NoError(t, json.Unmarshal([]byte(out), &product))

	_, err = execute(t, "record", "sale", "--item", strconv.FormatInt(product.ID, 10)+":2")
	require.Error(t, err)

	out, err = execute(t, "report", "low-stock")
	require.NoError(t, err, out)
	var low []domain.Product
	require.NoError(t, json.Unmarshal([]byte(out), &low))
	require.Len(t, low, 1)
	assert.Equal(t, product.UID, low[0].UID)

	out, err = execute(t, "report", "sales")
	require.NoError(t, err, out)
	var sales []domain.Sale
	require.NoError(t, json.Unmarshal([]byte(out), &sales))
	assert.Empty(t, sales)

	out, err = execute(t, "queue", "stats")
	require.NoError(t, err, out)
	var stats syncqueue.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Pending)
}

func TestSyncRequiresBackend(t *testing.T) {
	setupDeviceEnv(t)

	_, err := execute(t, "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REMOTE_BASE_URL")
}

func TestCommandsRequireUser(t *testing.T) {
	setupDeviceEnv(t)
	t.Setenv("DEVICE_USER_ID", "")

	_, err := execute(t, "queue", "stats")
	require.Error(t, err)

	_, err = execute(t, "--user", "toko-2", "queue", "stats")
	require.NoError(t, err)
}

func TestSchemaCommandPrintsPayloadSchema(t *testing.T) {
	out, err := execute(t, "schema", "sales")
	require.NoError(t, err)
	assert.Contains(t, out, "transaction_id")

	_, err = execute(t, "schema", "invoices")
	require.Error(t, err)
}

func TestParseSaleLines(t *testing.T) {
	item, err := parseItem("12:3")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleItemInput{ProductID: 12, Quantity: 3}, item)

	_, err = parseItem("12")
	require.Error(t, err)
	_, err = parseItem("abc:1")
	require.Error(t, err)

	line, err := parseCustomLine("Jasa: pasang:2:7500.50")
	require.NoError(t, err)
	assert.Equal(t, "Jasa: pasang", line.ProductName)
	assert.Equal(t, 2, line.Quantity)
	assert.True(t, line.UnitPrice.Equal(decimal.RequireFromString("7500.50")))

	_, err = parseCustomLine("tanpa harga")
	require.Error(t, err)
}

func TestParseDayBounds(t *testing.T) {
	start, err := parseDay("from", "2026-04-02", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), *start)

	end, err := parseDay("to", "2026-04-02", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 2, 23, 59, 59, 999999999, time.UTC), *end)

	none, err := parseDay("to", "", true)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = parseDay("from", "02/04/2026", false)
	require.Error(t, err)
}
