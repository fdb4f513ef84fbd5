package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sputn1ck/tanglewallet/keyring"
	"github.com/urfave/cli"
	"golang.org/x/term"
)

// Seeds are never accepted as flag values, they would end up in the shell
// history and the process list.
var seedFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "seedfile",
		Usage: "read the seed from this file instead of the terminal",
	},
	cli.BoolFlag{
		Name: "mnemonic",
		Usage: "read a BIP39 mnemonic instead of an 81 tryte " +
			"seed",
	},
	cli.Uint64Flag{
		Name:  "account",
		Usage: "the account derived from a mnemonic",
	},
}

// readSeed reads the seed from --seedfile, or prompts for it without echo.
// The caller owns the seed and must wipe it.
func readSeed(ctx *cli.Context) (*keyring.Seed, error) {
	var (
		secret string
		err    error
	)
	switch {
	case ctx.IsSet("seedfile"):
		secret, err = readSecretFile(ctx.String("seedfile"))

	case ctx.Bool("mnemonic"):
		secret, err = readSecret("Enter mnemonic: ")

	default:
		secret, err = readSecret("Enter seed: ")
	}
	if err != nil {
		return nil, err
	}

	if !ctx.Bool("mnemonic") {
		return keyring.ParseSeed(secret)
	}

	passphrase, err := readSecret("Enter mnemonic passphrase " +
		"(optional): ")
	if err != nil {
		return nil, err
	}

	return keyring.SeedFromMnemonic(
		secret, passphrase, uint32(ctx.Uint64("account")),
	)
}

func readSecretFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("unable to read seed file: %w", err)
	}

	return strings.TrimSpace(string(b)), nil
}

// readSecret prompts on stderr and reads a line from stdin, without echo if
// stdin is a terminal.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(stdin)
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(b)), nil
}

// stdin is shared so lines buffered by one read are seen by the next.
var stdin = bufio.NewReader(os.Stdin)

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}

	return strings.TrimSpace(line), nil
}
