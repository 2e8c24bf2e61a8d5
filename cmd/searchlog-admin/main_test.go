package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAdminKeyCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	require.NoError(t, writeAdminKey(path, "admin_one"))

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "admin_one", env["ADMIN_KEY"])
}

func TestWriteAdminKeyKeepsOtherVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MONGODB_URI=mongodb://db:27017\nADMIN_KEY=admin_old\n"), 0o644))

	require.NoError(t, writeAdminKey(path, "admin_new"))

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "admin_new", env["ADMIN_KEY"])
	assert.Equal(t, "mongodb://db:27017", env["MONGODB_URI"])
}
