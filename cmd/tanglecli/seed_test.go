package main

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/stretchr/testify/require"
)

// TestReadSecretFile tests reading a seed from a file.
func TestReadSecretFile(t *testing.T) {
	t.Parallel()

	seed := strings.Repeat("SEEDFILE9", 9)
	path := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, os.WriteFile(path, []byte(seed+"\n"), 0600))

	secret, err := readSecretFile(path)
	require.NoError(t, err)
	require.Equal(t, seed, secret)

	_, err = keyring.ParseSeed(secret)
	require.NoError(t, err)

	_, err = readSecretFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

// TestReadLine tests that consecutive reads share the buffered input.
func TestReadLine(t *testing.T) {
	t.Parallel()

	r := bufio.NewReader(strings.NewReader("first words\n  second \nlast"))

	for _, want := range []string{"first words", "second", "last", ""} {
		got, err := readLine(r)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
