package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/store/sqlite"
	"github.com/warp/credit-ledger/transfer"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// seedUsers creates the directory entries imports validate against.
func seedUsers(t *testing.T, dbPath string, users ...credits.User) {
	t.Helper()
	store, err := sqlite.New(dbPath)
	require.NoError(t, err)
	defer store.Close()
	for _, u := range users {
		require.NoError(t, store.SaveUser(context.Background(), u))
	}
}

func TestImportBalanceExportSweep(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "credits.db")
	t.Setenv("CREDITS_SCHEDULER_ENABLED", "false")
	seedUsers(t, db,
		credits.User{ID: 1, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
		credits.User{ID: 2, FirstName: "Alan", LastName: "Turing"},
	)

	file := filepath.Join(dir, "grants.csv")
	require.NoError(t, os.WriteFile(file, []byte(
		"userid;amount;validuntil;publicnote\n"+
			"1;10;2099-12-31;welcome\n"+
			"2;4;2000-01-01;already lapsed\n"+
			"3;5;2099-12-31;\n",
	), 0o600))

	// GIVEN: an import with one unknown user
	out, err := run(t, "--db", db, "import", file, "-d", "semicolon")
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 rows (14 credits)")
	assert.Contains(t, out, "line 4: unknown user 3")

	// THEN: the balance shows the live grant
	out, err = run(t, "--db", db, "balance", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "User 1: 10 credits available")
	assert.Contains(t, out, "2099-12-31 23:59")

	// WHEN: the expiry sweep runs
	out, err = run(t, "--db", db, "sweep", "expired")
	require.NoError(t, err)
	assert.Contains(t, out, "expire_credits succeeded: processed=1 skipped=0 failed=0 credits=4")

	// THEN: the export carries both grants and the expiry
	out, err = run(t, "--db", db, "export")
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewBufferString(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, transfer.ExportHeader, records[0])
	assert.Equal(t, "Ada", records[1][2])
	assert.Equal(t, "-4", records[3][5])
}

func TestExport_ToFile(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "credits.db")
	target := filepath.Join(dir, "out.csv")

	out, err := run(t, "--db", db, "export", "-o", target)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 0 transactions")

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "acting_user_id")
}

func TestToken(t *testing.T) {
	t.Setenv("CREDITS_JWT_SECRET", "cli-secret")
	db := filepath.Join(t.TempDir(), "credits.db")

	out, err := run(t, "--db", db, "token", "7", "--role", credits.RoleManage)
	require.NoError(t, err)

	auth, err := api.NewAuthenticator("cli-secret", "credit-ledger")
	require.NoError(t, err)
	subject, err := auth.Parse(string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	assert.Equal(t, int64(7), subject.UserID)
	assert.True(t, subject.HasRole(credits.RoleManage))
}

func TestArguments(t *testing.T) {
	db := filepath.Join(t.TempDir(), "credits.db")

	_, err := run(t, "--db", db, "balance", "abc")
	assert.ErrorContains(t, err, "invalid user id")

	_, err = run(t, "--db", db, "import", filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorContains(t, err, "open import file")

	_, err = run(t, "--db", db, "token", "1")
	assert.ErrorContains(t, err, "jwt secret is required")
}
